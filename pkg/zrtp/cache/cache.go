// Package cache реализует персистентное хранилище доверия к абонентам
// (ZID кэш). Хранилище отображает пару (свой URI, URI абонента) в
// долговременный идентификатор устройства абонента, статус верификации
// SAS и вспомогательные секреты.
//
// Хранилище НЕ содержит внутренней блокировки: storage handle может
// разделяться с другими подсистемами, поэтому взаимное исключение
// обеспечивается мьютексом вызывающего, передаваемым в каждый вызов
// и удерживаемым на протяжении всей read-modify-write последовательности.
package cache

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// PeerStatus статус верификации SAS для активного устройства абонента.
// Порядок значений фиксирован и совместим с исходной схемой:
// Unknown=0, Invalid=1, Valid=2. Единожды установленный статус
// Valid или Invalid никогда молча не возвращается в Unknown.
type PeerStatus int

const (
	PeerStatusUnknown PeerStatus = iota
	PeerStatusInvalid
	PeerStatusValid
)

func (s PeerStatus) String() string {
	switch s {
	case PeerStatusUnknown:
		return "unknown"
	case PeerStatusInvalid:
		return "invalid"
	case PeerStatusValid:
		return "valid"
	default:
		return "unknown"
	}
}

// OpenResult результат открытия хранилища.
// Трехзначный результат вместо перегруженного int кода исходной схемы:
// успех, информационный исход и ошибка разделены явно.
type OpenResult int

const (
	// OpenReady хранилище уже инициализировано, открытие было no-op
	OpenReady OpenResult = iota
	// OpenFreshlyCreated хранилище создано с нуля
	OpenFreshlyCreated
	// OpenMigrated схема хранилища обновлена до текущей версии
	OpenMigrated
)

func (r OpenResult) String() string {
	switch r {
	case OpenReady:
		return "ready"
	case OpenFreshlyCreated:
		return "freshly_created"
	case OpenMigrated:
		return "migrated"
	default:
		return "unknown"
	}
}

// schemaVersion текущая версия схемы. Миграции только аддитивные:
// существующие записи никогда не теряются при обновлении.
const schemaVersion = 2

// ZIDLength длина долговременного идентификатора устройства (RFC 6189)
const ZIDLength = 12

// PeerRecord персистентная запись об устройстве абонента
type PeerRecord struct {
	// ZID долговременный идентификатор активного устройства (hex)
	ZID string `json:"zid"`
	// Status статус верификации SAS
	Status PeerStatus `json:"status"`
	// AuxSecret вспомогательный общий секрет (hex), опционально
	AuxSecret string `json:"aux_secret,omitempty"`
	// AuxSetAt время установки вспомогательного секрета (схема v2)
	AuxSetAt time.Time `json:"aux_set_at,omitempty"`
	// UpdatedAt время последнего изменения записи
	UpdatedAt time.Time `json:"updated_at"`
}

// selfRecord запись о собственном устройстве для данного URI
type selfRecord struct {
	ZID string `json:"zid"`
}

// schema корневая структура файла хранилища
type schema struct {
	Version int                   `json:"version"`
	Self    map[string]selfRecord `json:"self"`
	Peers   map[string]PeerRecord `json:"peers"`
}

// Store персистентное хранилище доверия на базе JSON файла.
// Запись атомарна: данные пишутся во временный файл и переименовываются.
// Все методы предполагают, что переданный мьютекс (если не nil)
// захватывается внутри на время операции.
type Store struct {
	path string
	data schema
}

// CacheError ошибка хранилища доверия
type CacheError struct {
	Op      string
	Path    string
	Wrapped error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("zrtp cache %s (%s): %v", e.Op, e.Path, e.Wrapped)
}

func (e *CacheError) Unwrap() error {
	return e.Wrapped
}

// Open открывает или создает хранилище доверия по указанному пути.
// Идемпотентна: повторное открытие инициализированного хранилища
// возвращает OpenReady. Миграция схемы аддитивна и сохраняет все
// существующие записи. Ошибки I/O и поврежденная схема возвращаются
// как CacheError: вызывающий решает, продолжать ли без кэша.
func Open(path string, lock *sync.Mutex) (*Store, OpenResult, error) {
	if lock != nil {
		lock.Lock()
		defer lock.Unlock()
	}

	s := &Store{path: path}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.data = schema{
			Version: schemaVersion,
			Self:    make(map[string]selfRecord),
			Peers:   make(map[string]PeerRecord),
		}
		if err := s.persist(); err != nil {
			return nil, 0, err
		}
		slog.Debug("zrtp.cache создано новое хранилище", "path", path)
		return s, OpenFreshlyCreated, nil
	}
	if err != nil {
		return nil, 0, &CacheError{Op: "open", Path: path, Wrapped: err}
	}

	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, 0, &CacheError{Op: "parse", Path: path, Wrapped: err}
	}
	if s.data.Self == nil {
		s.data.Self = make(map[string]selfRecord)
	}
	if s.data.Peers == nil {
		s.data.Peers = make(map[string]PeerRecord)
	}

	if s.data.Version > schemaVersion {
		return nil, 0, &CacheError{
			Op:      "open",
			Path:    path,
			Wrapped: fmt.Errorf("версия схемы %d новее поддерживаемой %d", s.data.Version, schemaVersion),
		}
	}

	if s.data.Version < schemaVersion {
		if err := s.migrate(); err != nil {
			return nil, 0, err
		}
		slog.Info("zrtp.cache схема обновлена", "path", path, "version", schemaVersion)
		return s, OpenMigrated, nil
	}

	return s, OpenReady, nil
}

// migrate выполняет аддитивную миграцию схемы до текущей версии.
// v1 -> v2: добавлено поле AuxSetAt; существующие секреты получают
// текущее время, чтобы срок жизни отсчитывался от момента миграции.
func (s *Store) migrate() error {
	if s.data.Version < 2 {
		now := time.Now()
		for key, rec := range s.data.Peers {
			if rec.AuxSecret != "" && rec.AuxSetAt.IsZero() {
				rec.AuxSetAt = now
				s.data.Peers[key] = rec
			}
		}
	}
	s.data.Version = schemaVersion
	if err := s.persist(); err != nil {
		return &CacheError{Op: "migrate", Path: s.path, Wrapped: err}
	}
	return nil
}

// peerKey формирует ключ записи из пары URI
func peerKey(selfURI, peerURI string) string {
	return selfURI + "|" + peerURI
}

// SelfZID возвращает собственный ZID для указанного URI, создавая его
// при первом обращении. ZID стабилен между перезапусками процесса.
func (s *Store) SelfZID(selfURI string, lock *sync.Mutex) ([ZIDLength]byte, error) {
	if lock != nil {
		lock.Lock()
		defer lock.Unlock()
	}

	var zid [ZIDLength]byte
	if rec, ok := s.data.Self[selfURI]; ok {
		decoded, err := hex.DecodeString(rec.ZID)
		if err == nil && len(decoded) == ZIDLength {
			copy(zid[:], decoded)
			return zid, nil
		}
		// поврежденная запись перегенерируется ниже
	}

	if _, err := rand.Read(zid[:]); err != nil {
		return zid, &CacheError{Op: "self_zid", Path: s.path, Wrapped: err}
	}
	s.data.Self[selfURI] = selfRecord{ZID: hex.EncodeToString(zid[:])}
	if err := s.persist(); err != nil {
		return zid, err
	}
	return zid, nil
}

// PeerStatus возвращает статус верификации SAS для активного устройства
// абонента. Unknown если записи нет или верификация никогда не
// выполнялась для этого устройства.
func (s *Store) PeerStatus(selfURI, peerURI string, lock *sync.Mutex) PeerStatus {
	if lock != nil {
		lock.Lock()
		defer lock.Unlock()
	}

	rec, ok := s.data.Peers[peerKey(selfURI, peerURI)]
	if !ok {
		return PeerStatusUnknown
	}
	return rec.Status
}

// RegisterPeer создает или обновляет запись об активном устройстве
// абонента по результату успешного согласования. Смена устройства
// (другой ZID) сбрасывает статус верификации в Unknown: доверие
// привязано к конкретному устройству, не к URI.
// Статус существующего устройства никогда не затрагивается.
// Вспомогательный секрет задан вызывающим, а не устройством абонента,
// и переживает смену устройства.
func (s *Store) RegisterPeer(selfURI, peerURI string, zid [ZIDLength]byte, lock *sync.Mutex) error {
	if lock != nil {
		lock.Lock()
		defer lock.Unlock()
	}

	key := peerKey(selfURI, peerURI)
	zidHex := hex.EncodeToString(zid[:])
	rec, ok := s.data.Peers[key]
	if ok && rec.ZID == zidHex {
		return nil
	}
	rec.ZID = zidHex
	rec.Status = PeerStatusUnknown
	rec.UpdatedAt = time.Now()
	s.data.Peers[key] = rec
	return s.persist()
}

// RecordVerification фиксирует результат проверки SAS пользователем
// для активного устройства абонента и сохраняет запись на диск.
func (s *Store) RecordVerification(selfURI, peerURI string, verified bool, lock *sync.Mutex) error {
	if lock != nil {
		lock.Lock()
		defer lock.Unlock()
	}

	key := peerKey(selfURI, peerURI)
	rec := s.data.Peers[key]
	if verified {
		rec.Status = PeerStatusValid
	} else {
		rec.Status = PeerStatusInvalid
	}
	rec.UpdatedAt = time.Now()
	s.data.Peers[key] = rec
	return s.persist()
}

// PutAuxSecret сохраняет вспомогательный общий секрет для абонента
func (s *Store) PutAuxSecret(selfURI, peerURI string, secret []byte, lock *sync.Mutex) error {
	if lock != nil {
		lock.Lock()
		defer lock.Unlock()
	}

	key := peerKey(selfURI, peerURI)
	rec := s.data.Peers[key]
	rec.AuxSecret = hex.EncodeToString(secret)
	rec.AuxSetAt = time.Now()
	rec.UpdatedAt = rec.AuxSetAt
	s.data.Peers[key] = rec
	return s.persist()
}

// AuxSecret возвращает вспомогательный секрет абонента с учетом срока
// жизни. lifetime 0 означает неограниченный срок. Просроченный секрет
// не возвращается и не удаляется: решение об обновлении за вызывающим.
func (s *Store) AuxSecret(selfURI, peerURI string, lifetime time.Duration, lock *sync.Mutex) ([]byte, bool) {
	if lock != nil {
		lock.Lock()
		defer lock.Unlock()
	}

	rec, ok := s.data.Peers[peerKey(selfURI, peerURI)]
	if !ok || rec.AuxSecret == "" {
		return nil, false
	}
	if lifetime > 0 && !rec.AuxSetAt.IsZero() && time.Since(rec.AuxSetAt) > lifetime {
		return nil, false
	}
	secret, err := hex.DecodeString(rec.AuxSecret)
	if err != nil {
		return nil, false
	}
	return secret, true
}

// Wipe полностью очищает хранилище. Единственный способ удаления
// записей: статусы верификации никогда не удаляются неявно.
func (s *Store) Wipe(lock *sync.Mutex) error {
	if lock != nil {
		lock.Lock()
		defer lock.Unlock()
	}

	s.data.Self = make(map[string]selfRecord)
	s.data.Peers = make(map[string]PeerRecord)
	s.data.Version = schemaVersion
	return s.persist()
}

// persist атомарно записывает хранилище на диск через временный файл
func (s *Store) persist() error {
	raw, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		return &CacheError{Op: "marshal", Path: s.path, Wrapped: err}
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".zidcache-*")
	if err != nil {
		return &CacheError{Op: "write", Path: s.path, Wrapped: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &CacheError{Op: "write", Path: s.path, Wrapped: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &CacheError{Op: "write", Path: s.path, Wrapped: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return &CacheError{Op: "rename", Path: s.path, Wrapped: err}
	}
	return nil
}
