// Package media реализует медиа сессию с поддержкой SRTP шифрования.
//
// Сессия владеет RTP транспортами, демультиплексирует входящий поток
// между протокольными пакетами согласования ключей и медиа, и служит
// точкой установки SRTP ключей для движка согласования (zrtp.SessionBinder).
//
// Основные возможности:
//   - Несколько RTP транспортов в одной сессии
//   - Атомарная установка/снятие SRTP ключей относительно обработки пакетов
//   - Прозрачная передача в открытом виде до установки ключей и после GoClear
//   - Callback уведомления о смене состояния шифрования
package media

import (
	rtpPkg "github.com/arzzra/secure_media/pkg/rtp"
	"github.com/pion/rtp"

	"github.com/arzzra/secure_media/pkg/zrtp"
)

// Session публичный интерфейс медиа сессии
type Session interface {
	// Start запускает прием на всех добавленных транспортах
	Start() error
	// Stop останавливает сессию и закрывает транспорты
	Stop() error
	// GetState возвращает текущее состояние сессии
	GetState() SessionState

	// AddRTPSession добавляет RTP транспорт под идентификатором
	AddRTPSession(rtpSessionID string, transport rtpPkg.Transport) error
	// RemoveRTPSession удаляет RTP транспорт
	RemoveRTPSession(rtpSessionID string) error

	// SendMedia отправляет медиа данные (шифруются при активном SRTP)
	SendMedia(rtpSessionID string, payload []byte, samples uint32) error
	// SendPacket отправляет протокольный пакет согласования
	// открытым текстом. Реализация zrtp.Transport.
	SendPacket(data []byte) error
	// BindProtocolHandler подключает обработчик входящих протокольных
	// пакетов (вход движка согласования)
	BindProtocolHandler(handler func(payload []byte))

	// SecurityState возвращает снимок состояния шифрования
	SecurityState() SecurityState
	// SetGoClearState обновляет подсостояние GoClear в снимке
	SetGoClearState(state string)

	// Реализация zrtp.SessionBinder
	InstallSRTPKeys(send, recv zrtp.SRTPKeys) error
	RemoveSRTPKeys() error
	OnEncryptionStateChanged(secured bool)

	// InstallDTLSKeys устанавливает ключи, выведенные из DTLS
	// рукопожатия (DTLS-SRTP)
	InstallDTLSKeys(send, recv zrtp.SRTPKeys) error
}

// MediaHandler обработчик входящих расшифрованных медиа пакетов
type MediaHandler func(pkt *rtp.Packet, rtpSessionID string)
