package di

import (
	"fmt"
	"sync"

	"github.com/aihub/docrag/internal/config"
	"github.com/aihub/docrag/internal/logger"
	"go.uber.org/dig"
	"go.uber.org/zap"
)

// Container 是依赖注入容器的全局实例
var Container *dig.Container

// InitContainer 初始化依赖注入容器
func InitContainer() *dig.Container {
	Container = dig.New()
	return Container
}

// GetContainer 获取依赖注入容器实例
func GetContainer() *dig.Container {
	return Container
}

// Invoke 封装dig.Invoke，提供更友好的接口
func Invoke(function interface{}, opts ...dig.InvokeOption) error {
	if Container == nil {
		return fmt.Errorf("di container not initialized")
	}
	return Container.Invoke(function, opts...)
}

// Provide 封装dig.Provide，提供更友好的接口
func Provide(constructor interface{}, opts ...dig.ProvideOption) error {
	if Container == nil {
		return fmt.Errorf("di container not initialized")
	}
	return Container.Provide(constructor, opts...)
}

// Build 初始化全局容器并注册全部提供者
func Build(cfg *config.Config) (*dig.Container, error) {
	container := InitContainer()
	if err := RegisterProviders(container, cfg); err != nil {
		return nil, err
	}
	return container, nil
}

// Lifecycle 收集已创建组件的关闭函数
// 只有真正构造过的组件才会登记，关闭时不会为此新建连接
type Lifecycle struct {
	mu    sync.Mutex
	tasks []namedTask
}

type namedTask struct {
	name string
	fn   func() error
}

// NewLifecycle 创建生命周期管理
func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

// Append 登记关闭函数
func (l *Lifecycle) Append(name string, fn func() error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = append(l.tasks, namedTask{name: name, fn: fn})
}

// Close 按登记的逆序执行关闭函数，返回第一个错误
func (l *Lifecycle) Close() error {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()

	var first error
	for i := len(tasks) - 1; i >= 0; i-- {
		if err := tasks[i].fn(); err != nil {
			logger.Warn("cleanup failed", zap.String("component", tasks[i].name), zap.Error(err))
			if first == nil {
				first = fmt.Errorf("close %s: %w", tasks[i].name, err)
			}
		}
	}
	return first
}

// Shutdown 关闭全局容器中已创建的组件
func Shutdown() error {
	if Container == nil {
		return nil
	}
	return Container.Invoke(func(lc *Lifecycle) error {
		return lc.Close()
	})
}
