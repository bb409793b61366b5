// Package rtp реализует транспортный слой для RTP пакетов.
//
// Транспорты переносят как медиа (возможно зашифрованные SRTP), так и
// протокольные пакеты согласования ключей. Для SRTP важны сырые байты
// пакета: Receive возвращает и разобранный пакет, и исходные данные,
// а SendRaw отправляет уже зашифрованный пакет без повторной сериализации.
package rtp

import (
	"context"
	"net"

	"github.com/pion/rtp"
)

// Transport определяет интерфейс транспортировки RTP пакетов
type Transport interface {
	// Send сериализует и отправляет RTP пакет открытым текстом
	Send(packet *rtp.Packet) error

	// SendRaw отправляет готовые байты пакета (например SRTP)
	SendRaw(data []byte) error

	// Receive получает пакет: разобранный заголовок, сырые байты и источник
	Receive(ctx context.Context) (*rtp.Packet, []byte, net.Addr, error)

	// SetRemoteAddr устанавливает удаленный адрес
	SetRemoteAddr(addr string) error

	// LocalAddr возвращает локальный адрес транспорта
	LocalAddr() net.Addr

	// RemoteAddr возвращает удаленный адрес транспорта (если применимо)
	RemoteAddr() net.Addr

	// Close закрывает транспорт
	Close() error

	// IsActive проверяет активность транспорта
	IsActive() bool
}

// TransportConfig базовая конфигурация транспорта
type TransportConfig struct {
	LocalAddr  string // Локальный адрес для привязки
	RemoteAddr string // Удаленный адрес для отправки (опционально)
	BufferSize int    // Размер буфера для чтения
	DSCP       int    // DSCP маркировка для QoS (0 = не устанавливать)
}

// DefaultTransportConfig возвращает конфигурацию по умолчанию
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		BufferSize: 1500, // Стандартный MTU
		DSCP:       46,   // EF (Expedited Forwarding) для голоса
	}
}
