// Package lifecycle — порядок запуска и остановки подсистем приложения.
// Узлы регистрируются с явными зависимостями; StartAll поднимает их так,
// чтобы зависимость была готова раньше зависящего узла, а Shutdown гасит
// в порядке, обратном фактическому запуску. Каждый узел получает свой
// контекст, производный от корневого: отмена корня гасит всех, отмена
// узла при остановке не трогает ещё работающих соседей.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"telegram-scheduler/internal/infra/logger"
)

// StartFunc поднимает узел. Получает личный контекст узла; фоновые горутины
// узла обязаны завершаться по его отмене.
type StartFunc func(ctx context.Context) error

// StopFunc гасит узел. К моменту вызова контекст узла уже отменён, поэтому
// реализация дожидается выхода своих горутин и освобождает ресурсы.
type StopFunc func(ctx context.Context) error

// nodeState — состояние узла. Повторный вход в Starting означает цикл
// зависимостей; Failed — терминальное состояние, узел не перезапускается.
type nodeState int

const (
	stateRegistered nodeState = iota
	stateStarting
	stateRunning
	stateStopping
	stateStopped
	stateFailed
)

type node struct {
	deps  []string
	start StartFunc
	stop  StopFunc

	ctx    context.Context
	cancel context.CancelFunc
	state  nodeState
	err    error
}

// Manager хранит граф узлов и фактический порядок их запуска. Потокобезопасен.
type Manager struct {
	root context.Context

	mu         sync.Mutex
	nodes      map[string]*node
	startOrder []string
}

// New создаёт менеджер. rootCtx ограничивает жизнь всех узлов; nil трактуется
// как context.Background().
func New(rootCtx context.Context) *Manager {
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	return &Manager{
		root:  rootCtx,
		nodes: make(map[string]*node),
	}
}

// Register добавляет узел name с зависимостями deps: они стартуют раньше узла
// и гаснут позже него. start может быть nil, если узлу нужен только порядок
// остановки. Повторная регистрация имени — ошибка.
func (m *Manager) Register(name string, deps []string, start StartFunc, stop StopFunc) error {
	if name == "" {
		return errors.New("lifecycle: empty node name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[name]; exists {
		return fmt.Errorf("lifecycle: node %q already registered", name)
	}
	uniq := slices.Compact(slices.Clone(deps))
	if slices.Contains(uniq, name) {
		return fmt.Errorf("lifecycle: node %q cannot depend on itself", name)
	}

	m.nodes[name] = &node{
		deps:  uniq,
		start: start,
		stop:  stop,
		state: stateRegistered,
	}
	return nil
}

// StartAll поднимает все узлы. Имена обходятся по алфавиту, чтобы порядок
// в логах был воспроизводим; фактический порядок с учётом зависимостей
// фиксируется и используется Shutdown. Ошибки старта копятся; упавший узел
// повторно не поднимается, зависящие от него узлы помечаются упавшими.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		names = append(names, name)
	}
	m.mu.Unlock()
	slices.Sort(names)

	var errs error
	for _, name := range names {
		if err := m.bringUp(name); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	logger.Debugf("lifecycle start order: %v", m.order())
	return errs
}

// bringUp рекурсивно поднимает узел и его зависимости.
func (m *Manager) bringUp(name string) error {
	m.mu.Lock()
	n, ok := m.nodes[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: node %q not registered", name)
	}
	switch n.state {
	case stateRunning:
		m.mu.Unlock()
		return nil
	case stateStarting:
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: dependency cycle through %q", name)
	case stateFailed:
		err := n.err
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: node %q failed earlier: %w", name, err)
	case stateRegistered, stateStopping, stateStopped:
	}
	n.state = stateStarting
	deps := n.deps
	m.mu.Unlock()

	logger.Debugf("starting node %s", name)

	for _, dep := range deps {
		if err := m.bringUp(dep); err != nil {
			m.fail(name, err)
			return err
		}
	}

	ctx, cancel := context.WithCancel(m.root)
	if n.start != nil {
		if err := n.start(ctx); err != nil {
			cancel()
			m.fail(name, err)
			logger.Errorf("node %s failed to start: %v", name, err)
			return fmt.Errorf("lifecycle: start %q: %w", name, err)
		}
	}

	m.mu.Lock()
	n.ctx = ctx
	n.cancel = cancel
	n.state = stateRunning
	n.err = nil
	m.startOrder = append(m.startOrder, name)
	m.mu.Unlock()

	logger.Debugf("node %s is running", name)
	return nil
}

// Shutdown гасит запущенные узлы в порядке, обратном фактическому запуску.
// Возвращает объединённую ошибку stop-хуков.
func (m *Manager) Shutdown() error {
	order := m.order()
	logger.Debugf("lifecycle shutdown order: %v", order)

	var errs error
	for i := len(order) - 1; i >= 0; i-- {
		if err := m.bringDown(order[i]); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// bringDown останавливает один узел: сначала отменяет его контекст, чтобы
// горутины узла получили сигнал, затем вызывает StopFunc. Узлы не в Running
// пропускаются, поэтому повторный Shutdown безвреден.
func (m *Manager) bringDown(name string) error {
	m.mu.Lock()
	n, ok := m.nodes[name]
	if !ok || n.state != stateRunning {
		m.mu.Unlock()
		return nil
	}
	n.state = stateStopping
	cancel := n.cancel
	stop := n.stop
	nodeCtx := n.ctx
	m.mu.Unlock()

	logger.Debugf("stopping node %s", name)
	cancel()

	var err error
	if stop != nil {
		err = stop(nodeCtx)
	}

	m.mu.Lock()
	if err != nil {
		n.state = stateFailed
		n.err = err
	} else {
		n.state = stateStopped
		n.err = nil
	}
	m.mu.Unlock()

	if err != nil {
		logger.Errorf("node %s stopped with error: %v", name, err)
		return fmt.Errorf("lifecycle: stop %q: %w", name, err)
	}
	logger.Debugf("node %s stopped", name)
	return nil
}

// order возвращает копию фактического порядка запуска.
func (m *Manager) order() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.startOrder)
}

// fail переводит узел в терминальное состояние Failed.
func (m *Manager) fail(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[name]; ok {
		n.state = stateFailed
		n.err = err
	}
}
