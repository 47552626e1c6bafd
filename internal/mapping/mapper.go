package mapping

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"crossarb/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrEmptyMarketID = errors.New("market id cannot be empty")
	ErrSameVenue     = errors.New("primary and secondary venue must differ")
)

// Entry - соответствие рынка основной площадки рынку второй
type Entry struct {
	Primary   string                 `json:"primary"`
	Secondary string                 `json:"secondary"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type fileFormat struct {
	Pairs []Entry `json:"pairs"`
}

// FileMapper - двунаправленная таблица рынков в JSON файле
//
// Файл перезаписывается целиком через временный файл и rename,
// так что читатель видит либо старую, либо новую версию.
type FileMapper struct {
	path      string
	primary   string
	secondary string
	logger    *utils.Logger

	mu    sync.RWMutex
	pairs []Entry
}

// NewFileMapper загружает соответствия из path. Отсутствующий файл = пустая таблица.
func NewFileMapper(path, primaryVenue, secondaryVenue string, logger *utils.Logger) (*FileMapper, error) {
	if primaryVenue == secondaryVenue {
		return nil, ErrSameVenue
	}
	if logger == nil {
		logger = utils.L()
	}

	pairs, err := Load(path)
	if err != nil {
		return nil, err
	}

	m := &FileMapper{
		path:      path,
		primary:   primaryVenue,
		secondary: secondaryVenue,
		logger:    logger.WithComponent("market_mapper"),
		pairs:     pairs,
	}
	m.logger.Info("market mappings loaded", utils.String("path", path), utils.Int("pairs", len(pairs)))
	return m, nil
}

// Load читает файл соответствий: {"pairs": [...]} или голый массив
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var wrapped fileFormat
	if err := json.Unmarshal(data, &wrapped); err == nil {
		return wrapped.Pairs, nil
	}
	var bare []Entry
	if err := json.Unmarshal(data, &bare); err != nil {
		return nil, fmt.Errorf("parse mapping file %s: %w", path, err)
	}
	return bare, nil
}

// Save добавляет соответствие или заменяет запись, совпадающую по любой стороне
func (m *FileMapper) Save(primaryMarket, secondaryMarket string, metadata map[string]interface{}) error {
	if primaryMarket == "" || secondaryMarket == "" {
		return ErrEmptyMarketID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry := Entry{Primary: primaryMarket, Secondary: secondaryMarket, Metadata: metadata}
	replaced := false
	for i, e := range m.pairs {
		if e.Primary == primaryMarket || e.Secondary == secondaryMarket {
			m.pairs[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		m.pairs = append(m.pairs, entry)
	}

	if err := m.persist(); err != nil {
		return err
	}
	m.logger.Info("market mapping saved",
		utils.String("primary", primaryMarket), utils.String("secondary", secondaryMarket), utils.Bool("replaced", replaced))
	return nil
}

// Remove удаляет записи по рынку любой из сторон. Пустая строка - сторона не учитывается.
func (m *FileMapper) Remove(primaryMarket, secondaryMarket string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.pairs[:0:0]
	for _, e := range m.pairs {
		if (primaryMarket != "" && e.Primary == primaryMarket) || (secondaryMarket != "" && e.Secondary == secondaryMarket) {
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == len(m.pairs) {
		return false, nil
	}

	previous := m.pairs
	m.pairs = kept
	if err := m.persist(); err != nil {
		m.pairs = previous
		return false, err
	}
	return true, nil
}

// List возвращает копию всех соответствий
func (m *FileMapper) List() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.pairs))
	copy(out, m.pairs)
	return out
}

// FindCounterpart ищет рынок target площадки для рынка source площадки
func (m *FileMapper) FindCounterpart(source, target, marketID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch {
	case source == m.primary && target == m.secondary:
		for _, e := range m.pairs {
			if e.Primary == marketID {
				return e.Secondary, true
			}
		}
	case source == m.secondary && target == m.primary:
		for _, e := range m.pairs {
			if e.Secondary == marketID {
				return e.Primary, true
			}
		}
	}
	return "", false
}

// Venues - основная и вторая площадка таблицы
func (m *FileMapper) Venues() (primary, secondary string) {
	return m.primary, m.secondary
}

// persist атомарно перезаписывает файл. Вызывается под m.mu.
func (m *FileMapper) persist() error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create mapping dir: %w", err)
	}

	data, err := json.MarshalIndent(fileFormat{Pairs: m.pairs}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode mappings: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp mapping file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write mappings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync mappings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close mappings: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace mapping file: %w", err)
	}
	return nil
}
