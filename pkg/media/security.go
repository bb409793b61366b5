package media

import (
	"github.com/arzzra/secure_media/pkg/zrtp"
)

// Direction направление потока для установки SRTP ключей.
// Ключи направлений устанавливаются независимо: вывод ключей
// асимметричен по ролям согласования.
type Direction int

const (
	DirectionSend Direction = iota
	DirectionReceive
)

func (d Direction) String() string {
	switch d {
	case DirectionSend:
		return "send"
	case DirectionReceive:
		return "receive"
	default:
		return "unknown"
	}
}

// KeySource происхождение ключевого материала сессии.
// Сессия различает ключи от движка согласования и от альтернативных
// механизмов обмена (DTLS-SRTP handshake, SDES из сигнализации).
type KeySource int

const (
	KeySourceUnset KeySource = iota
	KeySourceZRTP
	KeySourceDTLS
	KeySourceSDES
)

func (s KeySource) String() string {
	switch s {
	case KeySourceZRTP:
		return "zrtp"
	case KeySourceDTLS:
		return "dtls-srtp"
	case KeySourceSDES:
		return "sdes"
	default:
		return "unset"
	}
}

// SecurityState снимок состояния шифрования медиа сессии
type SecurityState struct {
	// Secured активен ли SRTP в данный момент
	Secured bool
	// Source происхождение установленных ключей
	Source KeySource
	// SendSuite активный набор шифрования направления отправки
	SendSuite string
	// RecvSuite активный набор шифрования направления приема
	RecvSuite string
	// GoClearState подсостояние GoClear подпротокола, пустая строка
	// вне защищенного режима
	GoClearState string
}

// KeyInstaller устанавливает ключевой материал в конкретную реализацию
// SRTP шифрования пакетов. Реализация шифра - внешний коллаборатор;
// сессия взаимодействует с ним только через этот узкий интерфейс.
type KeyInstaller interface {
	// InstallKey устанавливает master ключ и salt для направления
	InstallKey(dir Direction, keys zrtp.SRTPKeys) error
	// RemoveKey снимает ключ направления (переход в открытый режим)
	RemoveKey(dir Direction) error
}

// EncryptionStateHandler уведомление владельца о смене состояния
// шифрования сессии
type EncryptionStateHandler func(sessionID string, secured bool)
