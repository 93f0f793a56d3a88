package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"
)

// Output печатает результат команды в stdout (таблица или JSON),
// а сообщения о ходе работы в stderr, чтобы вывод можно было
// передавать дальше по конвейеру.
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer

	// trigger пишет из нескольких горутин
	mu sync.Mutex
}

// NewOutput пишет в stdout и stderr процесса.
func NewOutput(jsonMode bool) *Output {
	return NewOutputTo(jsonMode, os.Stdout, os.Stderr)
}

// NewOutputTo пишет в w и errW.
func NewOutputTo(jsonMode bool, w, errW io.Writer) *Output {
	return &Output{jsonMode: jsonMode, w: w, errW: errW}
}

// Print выводит jsonData в режиме --json, иначе таблицу.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.Table(headers, rows)
}

// Table выравнивает колонки; под заголовком строка из дефисов.
func (o *Output) Table(headers []string, rows [][]string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	rule := make([]string, len(headers))
	for i, h := range headers {
		rule[i] = strings.Repeat("-", len(h))
	}
	for _, line := range append([][]string{headers, rule}, rows...) {
		fmt.Fprintln(tw, strings.Join(line, "\t"))
	}
	tw.Flush()
}

// JSON печатает v с отступами.
func (o *Output) JSON(v any) {
	o.mu.Lock()
	defer o.mu.Unlock()

	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(o.errW, "Error: encode output: %v\n", err)
	}
}

// Successf печатает сообщение о выполненном действии.
func (o *Output) Successf(format string, args ...any) {
	o.notice("", format, args...)
}

// Errorf печатает ошибку, не прерывающую команду.
func (o *Output) Errorf(format string, args ...any) {
	o.notice("Error: ", format, args...)
}

func (o *Output) notice(prefix, format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.errW, prefix+format+"\n", args...)
}

// formatTime печатает время в RFC 3339, nil как пустую строку.
func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
