package rtp

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pion/rtp"
)

func TestUDPTransportCreation(t *testing.T) {
	// Проверяем, что можем создать UDP транспорт
	config := TransportConfig{
		LocalAddr:  "127.0.0.1:0",
		RemoteAddr: "127.0.0.1:5006",
		BufferSize: 1500,
	}

	transport, err := NewUDPTransport(config)
	if err != nil {
		t.Fatalf("ошибка создания транспорта: %v", err)
	}
	defer transport.Close()

	if transport.LocalAddr() == nil {
		t.Error("транспорт должен иметь локальный адрес")
	}
	if transport.RemoteAddr() == nil {
		t.Error("транспорт должен иметь удаленный адрес")
	}
	if !transport.IsActive() {
		t.Error("транспорт должен быть активен после создания")
	}
}

func TestUDPTransportDefaults(t *testing.T) {
	// Нулевая конфигурация дополняется значениями по умолчанию
	transport, err := NewUDPTransport(TransportConfig{LocalAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("ошибка создания транспорта: %v", err)
	}
	defer transport.Close()

	if transport.LocalAddr() == nil {
		t.Error("транспорт должен иметь локальный адрес")
	}
}

func TestUDPTransportClose(t *testing.T) {
	transport, err := NewUDPTransport(TransportConfig{LocalAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("ошибка создания транспорта: %v", err)
	}

	if err := transport.Close(); err != nil {
		t.Fatalf("ошибка закрытия: %v", err)
	}
	if transport.IsActive() {
		t.Error("транспорт не должен быть активен после закрытия")
	}

	// Повторное закрытие безопасно
	if err := transport.Close(); err != nil {
		t.Errorf("повторное закрытие: %v", err)
	}

	// Отправка через закрытый транспорт отклоняется
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2}, Payload: []byte{0x01}}
	if err := transport.Send(pkt); err == nil {
		t.Error("отправка через закрытый транспорт должна возвращать ошибку")
	}
}

func TestUDPTransportSendWithoutRemote(t *testing.T) {
	transport, err := NewUDPTransport(TransportConfig{LocalAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("ошибка создания транспорта: %v", err)
	}
	defer transport.Close()

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2}, Payload: []byte{0x01}}
	if err := transport.Send(pkt); err == nil {
		t.Error("отправка без удаленного адреса должна возвращать ошибку")
	}

	// После установки адреса отправка проходит
	if err := transport.SetRemoteAddr("127.0.0.1:5006"); err != nil {
		t.Fatalf("ошибка установки адреса: %v", err)
	}
	if err := transport.Send(pkt); err != nil {
		t.Errorf("ошибка отправки: %v", err)
	}
}

func TestUDPTransportLoopback(t *testing.T) {
	// Два транспорта на loopback: пакет проходит от одного к другому,
	// сырые байты совпадают с отправленными
	a, err := NewUDPTransport(TransportConfig{LocalAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("ошибка создания транспорта: %v", err)
	}
	defer a.Close()

	b, err := NewUDPTransport(TransportConfig{LocalAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("ошибка создания транспорта: %v", err)
	}
	defer b.Close()

	if err := a.SetRemoteAddr(b.LocalAddr().String()); err != nil {
		t.Fatalf("ошибка установки адреса: %v", err)
	}

	sent := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: 42,
			Timestamp:      160,
			SSRC:           0x12345678,
		},
		Payload: []byte{0xde, 0xad, 0xbe, 0xef},
	}
	wantRaw, err := sent.Marshal()
	if err != nil {
		t.Fatalf("ошибка сериализации: %v", err)
	}

	if err := a.Send(sent); err != nil {
		t.Fatalf("ошибка отправки: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	received, raw, addr, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("ошибка приема: %v", err)
	}
	if received.SequenceNumber != 42 || received.SSRC != 0x12345678 {
		t.Errorf("заголовок искажен: seq=%d ssrc=%x", received.SequenceNumber, received.SSRC)
	}
	if !bytes.Equal(raw, wantRaw) {
		t.Error("сырые байты не совпадают с отправленными")
	}
	if addr == nil {
		t.Error("источник пакета должен быть известен")
	}

	// Удаленный адрес выучен по первому пакету: ответ доходит без
	// явной настройки
	if b.RemoteAddr() == nil {
		t.Fatal("удаленный адрес должен быть выучен по первому пакету")
	}
	if err := b.Send(sent); err != nil {
		t.Errorf("ошибка ответной отправки: %v", err)
	}
}

func TestUDPTransportSendRaw(t *testing.T) {
	// SendRaw передает байты без повторной сериализации, включая
	// пакеты, которые не разбираются как чистый RTP (SRTP с auth tag)
	a, err := NewUDPTransport(TransportConfig{LocalAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("ошибка создания транспорта: %v", err)
	}
	defer a.Close()

	b, err := NewUDPTransport(TransportConfig{LocalAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("ошибка создания транспорта: %v", err)
	}
	defer b.Close()

	if err := a.SetRemoteAddr(b.LocalAddr().String()); err != nil {
		t.Fatal(err)
	}

	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: 1, SSRC: 0xcafe},
		Payload: []byte{0x01, 0x02, 0x03, 0x04},
	}
	data, err := pkt.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	// имитация SRTP: auth tag в хвосте пакета
	data = append(data, bytes.Repeat([]byte{0xaa}, 10)...)

	if err := a.SendRaw(data); err != nil {
		t.Fatalf("ошибка отправки: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, raw, _, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("ошибка приема: %v", err)
	}
	if !bytes.Equal(raw, data) {
		t.Error("сырые байты искажены при передаче")
	}
}

func TestUDPTransportReceiveCancel(t *testing.T) {
	transport, err := NewUDPTransport(TransportConfig{LocalAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("ошибка создания транспорта: %v", err)
	}
	defer transport.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, _, err := transport.Receive(ctx); err == nil {
		t.Error("прием с отмененным контекстом должен возвращать ошибку")
	}
}

func TestValidatePacketSize(t *testing.T) {
	tests := []struct {
		name        string
		size        int
		expectError bool
	}{
		{"Меньше минимума", MinRTPPacketSize - 1, true},
		{"Минимальный", MinRTPPacketSize, false},
		{"Максимальный", MaxRTPPacketSize, false},
		{"Больше максимума", MaxRTPPacketSize + 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePacketSize(tt.size)
			if tt.expectError && err == nil {
				t.Error("ожидалась ошибка валидации")
			}
			if !tt.expectError && err != nil {
				t.Errorf("неожиданная ошибка: %v", err)
			}
		})
	}
}

func TestValidateRTPHeader(t *testing.T) {
	valid := rtp.Header{Version: 2, PayloadType: 0}
	if err := validateRTPHeader(&valid); err != nil {
		t.Errorf("валидный заголовок отклонен: %v", err)
	}

	badVersion := rtp.Header{Version: 1}
	if err := validateRTPHeader(&badVersion); err == nil {
		t.Error("версия 1 должна отклоняться")
	}
}

func TestSetRemoteAddrInvalid(t *testing.T) {
	transport, err := NewUDPTransport(TransportConfig{LocalAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("ошибка создания транспорта: %v", err)
	}
	defer transport.Close()

	if err := transport.SetRemoteAddr("не адрес"); err == nil {
		t.Error("невалидный адрес должен отклоняться")
	}
}
