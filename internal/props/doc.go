// Package props — свойства build и отложенные (вычисляемые) значения.
//
// Properties хранит значения вместе с источником (provenance):
//
//	p := props.New()
//	p.Set("branch", "main", "Change")
//
// Renderable — значение, которое вычисляется в момент использования
// относительно свойств текущего build:
//
//	props.Property("branch")                    // значение свойства
//	props.Interpolate("{{ .Prop.branch }}-nightly") // Go template
//
// Строки, содержащие "{{", рендерятся как шаблоны (см. RenderValue).
package props
