package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrTrailingData — после конфигурации в файле есть ещё данные.
var ErrTrailingData = errors.New("trailing data after config")

const defaultDebounce = 250 * time.Millisecond

// Manager читает файл конфигурации master и следит за его изменениями.
//
// Новая конфигурация публикуется подписчикам только после успешной
// проверки. Неизменённое содержимое повторно не публикуется.
type Manager struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	current *File
	raw     []byte

	subsMu sync.Mutex
	subs   []chan *File
}

// NewManager создаёт Manager для файла path.
func NewManager(path string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		path:     path,
		debounce: defaultDebounce,
		logger:   logger.With("component", "config", "path", path),
	}
}

// Path возвращает путь к файлу.
func (m *Manager) Path() string {
	return m.path
}

// Parse читает и строго декодирует файл без проверки и сохранения.
func (m *Manager) Parse() (*File, []byte, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, nil, err
	}
	return Decode(m.path, data)
}

// Decode декодирует YAML или JSON конфигурацию (формат по расширению path).
// Неизвестные поля — ошибка.
func Decode(path string, data []byte) (*File, []byte, error) {
	jb, err := toJSON(path, data)
	if err != nil {
		return nil, nil, err
	}

	var f File
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, nil, ErrTrailingData
		}
		return nil, nil, err
	}
	return &f, jb, nil
}

// Load читает, проверяет и сохраняет конфигурацию.
func (m *Manager) Load() (*File, error) {
	f, raw, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	m.commit(f, raw)
	return f, nil
}

// Get возвращает текущую конфигурацию.
func (m *Manager) Get() *File {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) commit(f *File, raw []byte) {
	m.mu.Lock()
	m.current = f
	m.raw = raw
	m.mu.Unlock()
}

// Subscribe возвращает канал новых конфигураций.
// Медленный подписчик получает только последнюю.
func (m *Manager) Subscribe(buffer int) <-chan *File {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *File, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) publish(f *File) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- f:
			continue
		default:
		}
		// вытесняем самую старую
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- f:
		default:
			m.logger.Debug("config update dropped, subscriber slow")
		}
	}
}

// Reload перечитывает файл и публикует конфигурацию, если она изменилась
// и прошла проверку. Возвращает true, если конфигурация опубликована.
func (m *Manager) Reload() (bool, error) {
	f, raw, err := m.Parse()
	if err != nil {
		return false, err
	}

	m.mu.RLock()
	unchanged := bytes.Equal(raw, m.raw)
	m.mu.RUnlock()
	if unchanged {
		m.logger.Debug("config unchanged, skipping publish")
		return false, nil
	}

	if err := f.Validate(); err != nil {
		return false, err
	}

	m.commit(f, raw)
	m.publish(f)
	m.logger.Info("config reloaded", "schedulers", len(f.Schedulers))
	return true, nil
}

// Watch следит за файлом до отмены ctx.
//
// Изменения сглаживаются: перечитывание происходит после паузы
// в событиях файловой системы. Ошибочная конфигурация логируется
// и не публикуется, текущая остаётся в силе.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// редакторы часто заменяют файл, поэтому следим за каталогом
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	m.logger.Info("watching config")

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(m.debounce, func() {
			if ctx.Err() != nil {
				return
			}
			if _, err := m.Reload(); err != nil {
				m.logger.Warn("config rejected", "error", err)
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("config watcher closed")
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				m.logger.Debug("config change detected", "op", ev.Op.String())
				schedule()
			}

		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("config watcher closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.logger.Warn("config watch overflow, forcing reload")
				schedule()
				continue
			}
			m.logger.Warn("config watch error", "error", err)
		}
	}
}
