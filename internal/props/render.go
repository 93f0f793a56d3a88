package props

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/template"
)

// Ошибки рендеринга.
var (
	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")

	// ErrTemplateRender — ошибка выполнения шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrNotBool — отрендеренное значение нельзя интерпретировать как bool.
	ErrNotBool = errors.New("value is not a boolean")
)

// Renderable — значение, вычисляемое относительно свойств build.
type Renderable interface {
	Render(p *Properties) (any, error)
}

// RenderFunc — функция как Renderable.
type RenderFunc func(p *Properties) (any, error)

// Render вызывает функцию.
func (f RenderFunc) Render(p *Properties) (any, error) {
	return f(p)
}

// propertyRef — ссылка на свойство build.
type propertyRef struct {
	name       string
	def        any
	hasDefault bool
}

// Property возвращает Renderable со значением свойства name.
// Отсутствующее свойство рендерится в nil.
func Property(name string) Renderable {
	return propertyRef{name: name}
}

// PropertyOr возвращает Renderable со значением свойства или def, если свойства нет.
func PropertyOr(name string, def any) Renderable {
	return propertyRef{name: name, def: def, hasDefault: true}
}

func (r propertyRef) Render(p *Properties) (any, error) {
	if v, ok := p.Get(r.name); ok {
		return v, nil
	}
	if r.hasDefault {
		return RenderValue(r.def, p)
	}
	return nil, nil
}

func (r propertyRef) String() string {
	return fmt.Sprintf("Property(%q)", r.name)
}

// interpolation — Go template, выполняемый относительно свойств.
type interpolation struct {
	tmpl string
}

// Interpolate возвращает Renderable, который рендерит Go template.
//
// Доступные данные:
//
//	{{ .Prop.branch }}
//	{{ prop "branch" }}
func Interpolate(tmpl string) Renderable {
	return interpolation{tmpl: tmpl}
}

func (i interpolation) Render(p *Properties) (any, error) {
	return renderTemplate(i.tmpl, p)
}

func (i interpolation) String() string {
	return fmt.Sprintf("Interpolate(%q)", i.tmpl)
}

// templateData — данные для шаблонов.
type templateData struct {
	Prop map[string]any
}

// templateFuncs — дополнительные функции для шаблонов.
var templateFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — возвращает значение по умолчанию, если первый аргумент пустой
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	// coalesce — возвращает первое непустое значение
	"coalesce": func(values ...any) any {
		for _, v := range values {
			if v != nil {
				if s, ok := v.(string); ok && s == "" {
					continue
				}
				return v
			}
		}
		return nil
	},

	"join":      func(sep string, items []string) string { return strings.Join(items, sep) },
	"lower":     strings.ToLower,
	"upper":     strings.ToUpper,
	"trim":      strings.TrimSpace,
	"replace":   strings.ReplaceAll,
	"hasPrefix": strings.HasPrefix,
}

func renderTemplate(tmpl string, p *Properties) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	values := p.Values()
	funcs := template.FuncMap{
		// prop — значение свойства по имени
		"prop": func(name string) any { return values[name] },
	}

	t, err := template.New("").Funcs(templateFuncs).Funcs(funcs).Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, templateData{Prop: values}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	// missingkey=zero для map[string]any печатает "<no value>"
	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}

// RenderValue рендерит произвольное значение.
//
// Renderable вычисляется, строки с "{{" рендерятся как шаблоны,
// map и slice обрабатываются рекурсивно, остальное возвращается как есть.
func RenderValue(value any, p *Properties) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch v := value.(type) {
	case Renderable:
		rendered, err := v.Render(p)
		if err != nil {
			return nil, err
		}
		// результат сам может оказаться отложенным значением
		if _, again := rendered.(Renderable); again {
			return RenderValue(rendered, p)
		}
		return rendered, nil

	case string:
		return renderTemplate(v, p)

	case map[string]any:
		result := make(map[string]any, len(v))
		for key, val := range v {
			rendered, err := RenderValue(val, p)
			if err != nil {
				return nil, err
			}
			result[key] = rendered
		}
		return result, nil

	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			rendered, err := RenderValue(val, p)
			if err != nil {
				return nil, err
			}
			result[i] = rendered
		}
		return result, nil

	case []string:
		result := make([]string, len(v))
		for i, val := range v {
			rendered, err := renderTemplate(val, p)
			if err != nil {
				return nil, err
			}
			result[i] = rendered
		}
		return result, nil

	default:
		return value, nil
	}
}

// RenderString рендерит значение и приводит его к строке.
func RenderString(value any, p *Properties) (string, error) {
	rendered, err := RenderValue(value, p)
	if err != nil {
		return "", err
	}
	switch v := rendered.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return fmt.Sprint(v), nil
	}
}

// RenderBool рендерит значение и интерпретирует его как bool.
// nil рендерится в false.
func RenderBool(value any, p *Properties) (bool, error) {
	rendered, err := RenderValue(value, p)
	if err != nil {
		return false, err
	}
	switch v := rendered.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		if v == "" {
			return false, nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%w: %q", ErrNotBool, v)
		}
		return b, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	default:
		return false, fmt.Errorf("%w: %T", ErrNotBool, rendered)
	}
}

// IsLiteralFalse проверяет, что значение задано и является литералом false.
func IsLiteralFalse(value any) bool {
	b, ok := value.(bool)
	return ok && !b
}
