package sctptransport

// Observer получает уведомления о смене состояния транспорта.
// Вызывается только в контексте-владельце.
type Observer interface {
	OnStateChange(info Info)
}

// ObserverFunc позволяет использовать функцию как Observer.
type ObserverFunc func(info Info)

func (f ObserverFunc) OnStateChange(info Info) { f(info) }

// observerLink хранит единственный слот подписки.
type observerLink struct {
	observer Observer
}

func (l *observerLink) register(o Observer) error {
	if o == nil || l.observer != nil {
		return ErrInvalidObserverState
	}
	l.observer = o
	return nil
}

func (l *observerLink) unregister() error {
	if l.observer == nil {
		return ErrInvalidObserverState
	}
	l.observer = nil
	return nil
}

func (l *observerLink) registered() bool {
	return l.observer != nil
}

func (l *observerLink) notify(info Info) {
	if l.observer != nil {
		l.observer.OnStateChange(info)
	}
}

// readSnapshot возвращает значение, созданное в контексте-владельце.
// Вызывающий из чужой горутины блокируется до завершения чтения; из владельца
// чтение выполняется сразу. После остановки владельца состояние больше не меняется,
// поэтому fallback читается без диспетчеризации.
func readSnapshot[T any](l *Loop, read func() T) T {
	v, err := Call(l, read)
	if err != nil {
		<-l.Done()
		return read()
	}
	return v
}
