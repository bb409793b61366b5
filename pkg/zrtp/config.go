package zrtp

import (
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/secure_media/pkg/zrtp/cache"
)

// Config конфигурация ZRTP канала.
// Списки алгоритмов задают порядок предпочтения: при согласовании
// выбирается первый элемент списка инициатора, присутствующий в списке
// абонента, независимо по каждой категории.
type Config struct {
	// SelfURI собственный URI, ключ записей кэша доверия
	SelfURI string
	// PeerURI URI абонента, ключ записей кэша доверия
	PeerURI string

	// Списки предпочтений алгоритмов, максимум MaxCryptoTypes каждый
	Hashes        []Hash
	Ciphers       []Cipher
	AuthTags      []AuthTag
	KeyAgreements []KeyAgreement
	SASTypes      []SASType

	// AutoStart разрешает запуск канала по первому принятому Hello
	AutoStart bool
	// AcceptGoClear разрешает процедуру GoClear на канале
	AcceptGoClear bool
	// KeyLifetime срок жизни вспомогательного секрета, 0 = неограничен
	KeyLifetime time.Duration

	// Cache хранилище доверия, nil отключает кэш (статусы Unknown)
	Cache *cache.Store
	// CacheMutex мьютекс вызывающего для сериализации доступа к кэшу
	CacheMutex *sync.Mutex

	// ZID долговременный идентификатор устройства. Нулевое значение
	// означает загрузку из кэша (или случайную генерацию без кэша).
	ZID [cache.ZIDLength]byte

	// RetransmitInterval начальный интервал ретрансмиссии
	RetransmitInterval time.Duration
	// MaxRetransmits предел ретрансмиссий до фиксации таймаута
	MaxRetransmits int
}

// DefaultConfig возвращает конфигурацию по умолчанию:
// современные алгоритмы с откатом на обязательные по RFC 6189.
func DefaultConfig() Config {
	return Config{
		Hashes:             []Hash{HashS256, HashS384},
		Ciphers:            []Cipher{CipherAES1, CipherAES3},
		AuthTags:           []AuthTag{AuthTagHS80, AuthTagHS32},
		KeyAgreements:      []KeyAgreement{KeyAgreementX255},
		SASTypes:           []SASType{SASTypeB32},
		AutoStart:          true,
		AcceptGoClear:      false,
		RetransmitInterval: 200 * time.Millisecond,
		MaxRetransmits:     10,
	}
}

// Validate проверяет корректность конфигурации перед созданием канала
func (c *Config) Validate() error {
	checks := []struct {
		name string
		n    int
	}{
		{"hashes", len(c.Hashes)},
		{"ciphers", len(c.Ciphers)},
		{"auth tags", len(c.AuthTags)},
		{"key agreements", len(c.KeyAgreements)},
		{"sas types", len(c.SASTypes)},
	}
	for _, check := range checks {
		if check.n == 0 {
			return newError(ErrorCodeConfigInvalid, "",
				fmt.Sprintf("список %s пуст", check.name))
		}
		if check.n > MaxCryptoTypes {
			return newError(ErrorCodeConfigInvalid, "",
				fmt.Sprintf("список %s превышает %d элементов", check.name, MaxCryptoTypes))
		}
	}
	for _, ka := range c.KeyAgreements {
		if !isKeyAgreementSupported(ka) {
			return newError(ErrorCodeUnsupportedAlgorithm, "",
				fmt.Sprintf("обмен ключами %s недоступен в данной сборке", ka))
		}
	}
	if c.RetransmitInterval <= 0 {
		return newError(ErrorCodeConfigInvalid, "", "интервал ретрансмиссии должен быть положительным")
	}
	if c.MaxRetransmits <= 0 {
		return newError(ErrorCodeConfigInvalid, "", "предел ретрансмиссий должен быть положительным")
	}
	return nil
}
