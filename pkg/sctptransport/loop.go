package sctptransport

import (
	"fmt"
	"sync"

	"github.com/petermattis/goid"
	"go.uber.org/zap"
)

// Loop реализует контекст-владелец: одна горутина, которая по очереди выполняет задачи
// из неограниченной FIFO-очереди. Все изменения состояния контроллера идут через него.
type Loop struct {
	log *zap.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake  chan struct{}
	done  chan struct{}
	owner int64
}

// NewLoop запускает горутину-владельца и возвращает управление, когда она готова.
// Паникует, если goid не различает горутины: без этого проверки владельца не работают.
func NewLoop(log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Loop{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	creator := goid.Get()
	started := make(chan struct{})
	go l.run(started)
	<-started
	if l.owner == creator {
		l.Stop()
		panic(fmt.Sprintf("sctptransport: owner goroutine id %d equals creator id, goid is incompatible with this Go runtime", creator))
	}
	return l
}

func (l *Loop) run(started chan<- struct{}) {
	defer close(l.done)
	l.owner = goid.Get()
	close(started)

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("owner loop task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// IsCurrent сообщает, выполняется ли вызывающий код в горутине-владельце.
func (l *Loop) IsCurrent() bool {
	return goid.Get() == l.owner
}

// Post ставит задачу в очередь и не блокируется. Возвращает false после Stop.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// BlockingCall выполняет fn в контексте-владельце и ждет завершения.
// Из самого владельца fn выполняется сразу. Паника в fn пробрасывается вызывающему.
func (l *Loop) BlockingCall(fn func()) error {
	if l.IsCurrent() {
		fn()
		return nil
	}

	done := make(chan struct{})
	var panicked any
	ok := l.Post(func() {
		defer func() {
			panicked = recover()
			close(done)
		}()
		fn()
	})
	if !ok {
		return ErrLoopStopped
	}
	<-done
	if panicked != nil {
		panic(panicked)
	}
	return nil
}

// Call это типизированный вариант BlockingCall.
func Call[T any](l *Loop, fn func() T) (T, error) {
	var out T
	err := l.BlockingCall(func() { out = fn() })
	return out, err
}

// Stop выполняет уже поставленные задачи и завершает горутину-владельца.
// Из самого владельца Stop не ждет завершения.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	if !l.IsCurrent() {
		<-l.done
	}
}

// Done закрывается, когда горутина-владелец завершилась.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
