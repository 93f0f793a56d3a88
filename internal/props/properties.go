package props

import (
	"maps"
	"slices"
)

// Property — значение свойства и его источник.
type Property struct {
	Value  any    `json:"value"`
	Source string `json:"source"`
}

// Properties — набор свойств build.
//
// Не потокобезопасен: владелец (build, шаг, scheduler) сериализует доступ сам.
type Properties struct {
	m map[string]Property
}

// New создаёт пустой набор свойств.
func New() *Properties {
	return &Properties{m: make(map[string]Property)}
}

// FromMap создаёт набор свойств с одним источником для всех значений.
func FromMap(values map[string]any, source string) *Properties {
	p := New()
	for k, v := range values {
		p.Set(k, v, source)
	}
	return p
}

// Set устанавливает значение свойства.
func (p *Properties) Set(name string, value any, source string) {
	p.m[name] = Property{Value: value, Source: source}
}

// Get возвращает значение свойства.
func (p *Properties) Get(name string) (any, bool) {
	if p == nil {
		return nil, false
	}
	prop, ok := p.m[name]
	return prop.Value, ok
}

// Lookup возвращает свойство вместе с источником.
func (p *Properties) Lookup(name string) (Property, bool) {
	if p == nil {
		return Property{}, false
	}
	prop, ok := p.m[name]
	return prop, ok
}

// Has проверяет наличие свойства.
func (p *Properties) Has(name string) bool {
	_, ok := p.Get(name)
	return ok
}

// Len возвращает количество свойств.
func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.m)
}

// Names возвращает отсортированные имена свойств.
func (p *Properties) Names() []string {
	if p == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(p.m))
}

// Values возвращает значения без источников (для шаблонов).
func (p *Properties) Values() map[string]any {
	result := make(map[string]any, p.Len())
	if p == nil {
		return result
	}
	for k, prop := range p.m {
		result[k] = prop.Value
	}
	return result
}

// All возвращает копию всех свойств с источниками.
func (p *Properties) All() map[string]Property {
	if p == nil {
		return map[string]Property{}
	}
	return maps.Clone(p.m)
}

// Update копирует все свойства из other, перезаписывая совпадающие.
func (p *Properties) Update(other *Properties) {
	if other == nil {
		return
	}
	maps.Copy(p.m, other.m)
}

// Clone возвращает независимую копию.
func (p *Properties) Clone() *Properties {
	c := New()
	c.Update(p)
	return c
}
