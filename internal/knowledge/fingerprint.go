package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint 归一化空白后的SHA-256
func Fingerprint(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// FingerprintLookup 查询已存储的内容指纹
type FingerprintLookup interface {
	LookupFingerprint(ctx context.Context, sourceURL string) (string, bool, error)
}

// ChangeDetector 判断文档内容是否变化
type ChangeDetector struct {
	lookup FingerprintLookup
}

// NewChangeDetector 创建变更检测器
func NewChangeDetector(lookup FingerprintLookup) *ChangeDetector {
	return &ChangeDetector{lookup: lookup}
}

// Changed 未存储过或指纹不同即视为变化
func (d *ChangeDetector) Changed(text, stored string, found bool) bool {
	if !found {
		return true
	}
	return Fingerprint(text) != stored
}

// Check 计算指纹并与已存储的指纹比较
func (d *ChangeDetector) Check(ctx context.Context, sourceURL, text string) (string, bool, error) {
	hash := Fingerprint(text)
	stored, found, err := d.lookup.LookupFingerprint(ctx, sourceURL)
	if err != nil {
		return hash, false, err
	}
	return hash, !found || stored != hash, nil
}
