package canceller

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// multimap — двунаправленное отображение значение ↔ набор ключей.
//
// Инварианты (проверяются verify):
//   - значение есть в byValue тогда и только тогда, когда оно есть
//     в корзине каждого своего ключа и больше ни в одной;
//   - корзины в byKey никогда не бывают пустыми.
//
// Не потокобезопасен.
type multimap[K comparable, V cmp.Ordered] struct {
	byValue map[V][]K
	byKey   map[K]map[V]struct{}
}

func newMultimap[K comparable, V cmp.Ordered]() *multimap[K, V] {
	return &multimap[K, V]{
		byValue: make(map[V][]K),
		byKey:   make(map[K]map[V]struct{}),
	}
}

// Insert регистрирует значение под набором ключей.
// Повторяющиеся ключи схлопываются с сохранением порядка.
func (m *multimap[K, V]) Insert(v V, keys []K) error {
	if _, ok := m.byValue[v]; ok {
		return fmt.Errorf("%w: %v", ErrAlreadyTracked, v)
	}
	if len(keys) == 0 {
		return nil
	}

	unique := make([]K, 0, len(keys))
	for _, k := range keys {
		if !slices.Contains(unique, k) {
			unique = append(unique, k)
		}
	}

	m.byValue[v] = unique
	for _, k := range unique {
		bucket, ok := m.byKey[k]
		if !ok {
			bucket = make(map[V]struct{})
			m.byKey[k] = bucket
		}
		bucket[v] = struct{}{}
	}
	return nil
}

// Has проверяет наличие значения.
func (m *multimap[K, V]) Has(v V) bool {
	_, ok := m.byValue[v]
	return ok
}

// Keys возвращает копию ключей значения.
func (m *multimap[K, V]) Keys(v V) []K {
	return slices.Clone(m.byValue[v])
}

// Values возвращает отсортированные значения в корзине ключа.
func (m *multimap[K, V]) Values(k K) []V {
	return slices.Sorted(maps.Keys(m.byKey[k]))
}

// Len возвращает количество значений.
func (m *multimap[K, V]) Len() int {
	return len(m.byValue)
}

// KeyCount возвращает количество непустых корзин.
func (m *multimap[K, V]) KeyCount() int {
	return len(m.byKey)
}

// Remove удаляет значение из обоих направлений.
//
// Возвращает false, если значения не было. Отсутствующая корзина
// означает нарушение инварианта: значение всё равно удаляется,
// а ошибка ErrIndexCorrupted возвращается вызывающему.
func (m *multimap[K, V]) Remove(v V) (bool, error) {
	keys, ok := m.byValue[v]
	if !ok {
		return false, nil
	}
	delete(m.byValue, v)

	var errs []error
	for _, k := range keys {
		if err := m.removeFromBucket(k, v); err != nil {
			errs = append(errs, err)
		}
	}
	return true, errors.Join(errs...)
}

// RemoveKey удаляет корзину ключа и все значения из неё
// (вместе с их остальными ключами).
//
// Возвращает удалённые значения по возрастанию.
func (m *multimap[K, V]) RemoveKey(k K) ([]V, error) {
	bucket, ok := m.byKey[k]
	if !ok {
		return nil, nil
	}
	delete(m.byKey, k)

	removed := slices.Sorted(maps.Keys(bucket))

	var errs []error
	for _, v := range removed {
		keys, ok := m.byValue[v]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: value %v in bucket %v is not indexed", ErrIndexCorrupted, v, k))
			continue
		}
		delete(m.byValue, v)

		for _, other := range keys {
			if other == k {
				continue
			}
			if err := m.removeFromBucket(other, v); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return removed, errors.Join(errs...)
}

func (m *multimap[K, V]) removeFromBucket(k K, v V) error {
	bucket, ok := m.byKey[k]
	if !ok {
		return fmt.Errorf("%w: no bucket for key %v (value %v)", ErrIndexCorrupted, k, v)
	}
	if _, ok := bucket[v]; !ok {
		return fmt.Errorf("%w: value %v missing from bucket %v", ErrIndexCorrupted, v, k)
	}
	delete(bucket, v)
	if len(bucket) == 0 {
		delete(m.byKey, k)
	}
	return nil
}

// verify проверяет инварианты целиком.
func (m *multimap[K, V]) verify() error {
	for v, keys := range m.byValue {
		if len(keys) == 0 {
			return fmt.Errorf("%w: value %v has no keys", ErrIndexCorrupted, v)
		}
		for _, k := range keys {
			if _, ok := m.byKey[k][v]; !ok {
				return fmt.Errorf("%w: value %v missing from bucket %v", ErrIndexCorrupted, v, k)
			}
		}
	}
	for k, bucket := range m.byKey {
		if len(bucket) == 0 {
			return fmt.Errorf("%w: empty bucket %v", ErrIndexCorrupted, k)
		}
		for v := range bucket {
			if !slices.Contains(m.byValue[v], k) {
				return fmt.Errorf("%w: bucket %v holds foreign value %v", ErrIndexCorrupted, k, v)
			}
		}
	}
	return nil
}
