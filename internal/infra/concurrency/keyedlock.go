// Package concurrency — вспомогательная инфраструктура конкурентного исполнения.
// Данный файл содержит KeyedLocker — потокобезопасный набор мьютексов по ключу,
// который сериализует публикации в пределах одного канала: параллельные отправки
// в разные каналы допустимы, в один канал — строго по очереди.
package concurrency

import "sync"

// KeyedLocker выдаёт мьютекс на каждый ключ (идентификатор канала). Записи
// удаляются, как только последний владелец освобождает ключ, поэтому карта не
// растёт бесконечно. Структура потокобезопасна.
type KeyedLocker struct {
	mu      sync.Mutex // mu защищает доступ к карте entries из параллельных горутин.
	entries map[int64]*lockEntry
}

// lockEntry — мьютекс одного ключа плюс счётчик ожидающих, по которому
// определяется момент удаления записи из карты.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedLocker создаёт пустой набор ключевых мьютексов.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{entries: make(map[int64]*lockEntry)}
}

// Lock захватывает мьютекс ключа key, при необходимости создавая запись.
// Блокируется, пока ключ удерживается другой горутиной.
func (l *KeyedLocker) Lock(key int64) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
}

// Unlock освобождает мьютекс ключа key. Когда желающих больше нет, запись
// удаляется из карты. Вызов без предшествующего Lock — ошибка программирования.
func (l *KeyedLocker) Unlock(key int64) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		l.mu.Unlock()
		panic("concurrency: Unlock of unknown key")
	}
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()

	e.mu.Unlock()
}
