package media

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"

	rtpPkg "github.com/arzzra/secure_media/pkg/rtp"
	"github.com/arzzra/secure_media/pkg/zrtp"
)

// === ТЕСТОВАЯ ИНФРАСТРУКТУРА ===

// fakeTransport транспорт в памяти для тестов сессии.
// Входящие пакеты подаются через inject, исходящие собираются в sent.
type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	in     chan []byte
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 16)}
}

func (f *fakeTransport) inject(data []byte) {
	f.in <- data
}

func (f *fakeTransport) sentPackets() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) Send(packet *rtp.Packet) error {
	data, err := packet.Marshal()
	if err != nil {
		return err
	}
	return f.SendRaw(data)
}

func (f *fakeTransport) SendRaw(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("транспорт закрыт")
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) (*rtp.Packet, []byte, net.Addr, error) {
	select {
	case <-ctx.Done():
		return nil, nil, nil, ctx.Err()
	case data, ok := <-f.in:
		if !ok {
			return nil, nil, nil, errors.New("транспорт закрыт")
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(data); err != nil {
			return nil, nil, nil, err
		}
		return pkt, data, nil, nil
	}
}

func (f *fakeTransport) SetRemoteAddr(addr string) error { return nil }
func (f *fakeTransport) LocalAddr() net.Addr             { return nil }
func (f *fakeTransport) RemoteAddr() net.Addr            { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

var _ rtpPkg.Transport = (*fakeTransport)(nil)

// testKeys возвращает валидный ключевой материал AES-128 / HMAC-SHA1-80
func testKeys(fill byte) zrtp.SRTPKeys {
	keys := zrtp.SRTPKeys{
		Cipher:     zrtp.CipherAES1,
		AuthTag:    zrtp.AuthTagHS80,
		MasterKey:  make([]byte, 16),
		MasterSalt: make([]byte, 14),
	}
	for i := range keys.MasterKey {
		keys.MasterKey[i] = fill
	}
	for i := range keys.MasterSalt {
		keys.MasterSalt[i] = fill ^ 0xff
	}
	return keys
}

// waitFor опрашивает условие до истечения таймаута
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("не дождались: %s", what)
}

// === ТЕСТЫ СОЗДАНИЯ И ЖИЗНЕННОГО ЦИКЛА ===

// TestSessionCreation тестирует создание медиа сессии
// Проверяет:
// - Корректность создания с валидной конфигурацией
// - Отклонение конфигурации без идентификатора
// - Начальное состояние Idle
func TestSessionCreation(t *testing.T) {
	tests := []struct {
		name        string
		config      SessionConfig
		expectError bool
	}{
		{
			name:        "Валидная конфигурация",
			config:      SessionConfig{SessionID: "test-session"},
			expectError: false,
		},
		{
			name:        "Без идентификатора",
			config:      SessionConfig{},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := NewSession(tt.config)
			if tt.expectError {
				if err == nil {
					t.Fatal("ожидалась ошибка создания")
				}
				var mediaErr *MediaError
				if !errors.As(err, &mediaErr) || mediaErr.Code != ErrorCodeSessionInvalidConfig {
					t.Errorf("неожиданная ошибка: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ошибка создания сессии: %v", err)
			}
			if state := sess.GetState(); state != MediaStateIdle {
				t.Errorf("начальное состояние %v, ожидалось idle", state)
			}
		})
	}
}

// TestSessionLifecycle тестирует переходы состояний сессии
func TestSessionLifecycle(t *testing.T) {
	sess, err := NewSession(SessionConfig{SessionID: "lifecycle"})
	if err != nil {
		t.Fatalf("ошибка создания сессии: %v", err)
	}

	if err := sess.Start(); err != nil {
		t.Fatalf("ошибка запуска: %v", err)
	}
	if state := sess.GetState(); state != MediaStateActive {
		t.Errorf("состояние после запуска %v, ожидалось active", state)
	}

	// повторный запуск отклоняется
	if err := sess.Start(); err == nil {
		t.Error("повторный запуск должен возвращать ошибку")
	}

	if err := sess.Stop(); err != nil {
		t.Fatalf("ошибка остановки: %v", err)
	}
	if state := sess.GetState(); state != MediaStateClosed {
		t.Errorf("состояние после остановки %v, ожидалось closed", state)
	}

	// повторная остановка безопасна
	if err := sess.Stop(); err != nil {
		t.Errorf("повторная остановка: %v", err)
	}

	// закрытая сессия не принимает транспорты
	if err := sess.AddRTPSession("late", newFakeTransport()); err == nil {
		t.Error("добавление транспорта в закрытую сессию должно возвращать ошибку")
	}
}

// TestRemoveRTPSession тестирует удаление транспортов
func TestRemoveRTPSession(t *testing.T) {
	sess, err := NewSession(SessionConfig{SessionID: "remove"})
	if err != nil {
		t.Fatalf("ошибка создания сессии: %v", err)
	}

	if err := sess.RemoveRTPSession("нет такой"); err == nil {
		t.Error("удаление несуществующего транспорта должно возвращать ошибку")
	}

	tr := newFakeTransport()
	if err := sess.AddRTPSession("audio", tr); err != nil {
		t.Fatalf("ошибка добавления транспорта: %v", err)
	}
	if err := sess.RemoveRTPSession("audio"); err != nil {
		t.Errorf("ошибка удаления транспорта: %v", err)
	}
}

// === ТЕСТЫ ОТПРАВКИ И ПРИЕМА ===

// TestSendMedia тестирует отправку медиа пакетов
// Проверяет:
// - Ошибку отправки до запуска сессии
// - Ошибку при неизвестном идентификаторе транспорта
// - Инкремент sequence number и timestamp между пакетами
func TestSendMedia(t *testing.T) {
	sess, err := NewSession(SessionConfig{SessionID: "send"})
	if err != nil {
		t.Fatalf("ошибка создания сессии: %v", err)
	}

	payload := []byte{0x01, 0x02, 0x03}

	// до запуска отправка запрещена
	if err := sess.SendMedia("audio", payload, 160); err == nil {
		t.Error("отправка до запуска должна возвращать ошибку")
	}

	tr := newFakeTransport()
	if err := sess.AddRTPSession("audio", tr); err != nil {
		t.Fatalf("ошибка добавления транспорта: %v", err)
	}
	if err := sess.Start(); err != nil {
		t.Fatalf("ошибка запуска: %v", err)
	}
	defer sess.Stop()

	if err := sess.SendMedia("video", payload, 160); err == nil {
		t.Error("отправка в неизвестный транспорт должна возвращать ошибку")
	}

	if err := sess.SendMedia("audio", payload, 160); err != nil {
		t.Fatalf("ошибка отправки: %v", err)
	}
	if err := sess.SendMedia("audio", payload, 160); err != nil {
		t.Fatalf("ошибка отправки: %v", err)
	}

	sent := tr.sentPackets()
	if len(sent) != 2 {
		t.Fatalf("отправлено %d пакетов, ожидалось 2", len(sent))
	}

	var first, second rtp.Packet
	if err := first.Unmarshal(sent[0]); err != nil {
		t.Fatalf("ошибка разбора пакета: %v", err)
	}
	if err := second.Unmarshal(sent[1]); err != nil {
		t.Fatalf("ошибка разбора пакета: %v", err)
	}
	if second.SequenceNumber != first.SequenceNumber+1 {
		t.Errorf("sequence number не инкрементируется: %d -> %d",
			first.SequenceNumber, second.SequenceNumber)
	}
	if second.Timestamp != first.Timestamp+160 {
		t.Errorf("timestamp не растет на samples: %d -> %d",
			first.Timestamp, second.Timestamp)
	}
	if !bytes.Equal(first.Payload, payload) {
		t.Error("payload искажен при отправке без шифрования")
	}
}

// TestIncomingDemultiplexing тестирует маршрутизацию входящего потока
// Проверяет:
// - Протокольные пакеты согласования уходят в protocol handler
// - Медиа пакеты уходят в OnMediaReceived
func TestIncomingDemultiplexing(t *testing.T) {
	var mu sync.Mutex
	var media []*rtp.Packet
	var protocol [][]byte

	var handler MediaHandler = func(pkt *rtp.Packet, rtpSessionID string) {
		mu.Lock()
		media = append(media, pkt)
		mu.Unlock()
	}
	sess, err := NewSession(SessionConfig{
		SessionID:       "demux",
		OnMediaReceived: handler,
	})
	if err != nil {
		t.Fatalf("ошибка создания сессии: %v", err)
	}
	sess.BindProtocolHandler(func(payload []byte) {
		mu.Lock()
		protocol = append(protocol, payload)
		mu.Unlock()
	})

	tr := newFakeTransport()
	if err := sess.AddRTPSession("audio", tr); err != nil {
		t.Fatalf("ошибка добавления транспорта: %v", err)
	}
	if err := sess.Start(); err != nil {
		t.Fatalf("ошибка запуска: %v", err)
	}
	defer sess.Stop()

	// обычный медиа пакет
	mediaPkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: 7, SSRC: 0x1234},
		Payload: []byte{0xaa, 0xbb},
	}
	raw, err := mediaPkt.Marshal()
	if err != nil {
		t.Fatalf("ошибка сериализации: %v", err)
	}
	tr.inject(raw)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(media) == 1
	}, "медиа пакет")

	mu.Lock()
	if media[0].SequenceNumber != 7 || !bytes.Equal(media[0].Payload, []byte{0xaa, 0xbb}) {
		t.Error("медиа пакет искажен при доставке")
	}
	mu.Unlock()

	// медиа payload, начинающийся с байтов "ZRTP", остается медиа:
	// полный кадр не проходит валидацию демультиплексора
	lookalike := &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: 8, SSRC: 0x1234},
		Payload: append([]byte("ZRTP"), []byte("просто голосовой кадр")...),
	}
	raw, err = lookalike.Marshal()
	if err != nil {
		t.Fatalf("ошибка сериализации: %v", err)
	}
	tr.inject(raw)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(media) == 2
	}, "медиа пакет с magic-подобным payload")

	// настоящий протокольный пакет: Hello канала согласования,
	// отправленный другой стороной через ее же SendPacket формат
	peer, err := NewSession(SessionConfig{SessionID: "peer"})
	if err != nil {
		t.Fatalf("ошибка создания peer сессии: %v", err)
	}
	peerTr := newFakeTransport()
	if err := peer.AddRTPSession("audio", peerTr); err != nil {
		t.Fatalf("ошибка добавления транспорта: %v", err)
	}
	protoBody := captureHelloFrame(t)
	if err := peer.SendPacket(protoBody); err != nil {
		t.Fatalf("ошибка отправки протокольного пакета: %v", err)
	}
	for _, data := range peerTr.sentPackets() {
		tr.inject(data)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(protocol) == 1
	}, "протокольный пакет")

	mu.Lock()
	if !bytes.Equal(protocol[0], protoBody) {
		t.Error("протокольный пакет искажен при доставке")
	}
	if len(media) != 2 {
		t.Error("протокольный пакет не должен попадать в медиа callback")
	}
	mu.Unlock()
}

// frameCapture перехватывает протокольные пакеты запущенного канала
type frameCapture struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *frameCapture) SendPacket(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

// captureHelloFrame возвращает байты настоящего Hello пакета
func captureHelloFrame(t *testing.T) []byte {
	t.Helper()
	capture := &frameCapture{}
	ctx, err := zrtp.NewContext(zrtp.DefaultConfig(), capture, nil)
	if err != nil {
		t.Fatalf("ошибка создания контекста: %v", err)
	}
	defer ctx.Destroy()
	if err := ctx.StartChannel(); err != nil {
		t.Fatalf("ошибка запуска канала: %v", err)
	}

	capture.mu.Lock()
	defer capture.mu.Unlock()
	if len(capture.frames) == 0 {
		t.Fatal("канал не отправил Hello")
	}
	return capture.frames[0]
}

// === ТЕСТЫ УСТАНОВКИ КЛЮЧЕЙ ===

// faultyInstaller установщик, отказывающий на направлении приема
type faultyInstaller struct {
	mu       sync.Mutex
	installs []Direction
	removes  []Direction
}

func (f *faultyInstaller) InstallKey(dir Direction, keys zrtp.SRTPKeys) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs = append(f.installs, dir)
	if dir == DirectionReceive {
		return errors.New("установка ключа приема не удалась")
	}
	return nil
}

func (f *faultyInstaller) RemoveKey(dir Direction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, dir)
	return nil
}

// TestInstallSRTPKeysRollback тестирует атомарность установки ключей:
// отказ на направлении приема откатывает уже установленный ключ отправки
func TestInstallSRTPKeysRollback(t *testing.T) {
	installer := &faultyInstaller{}
	sess, err := NewSession(SessionConfig{SessionID: "rollback", Installer: installer})
	if err != nil {
		t.Fatalf("ошибка создания сессии: %v", err)
	}

	binder := sess.(zrtp.SessionBinder)
	if err := binder.InstallSRTPKeys(testKeys(0x11), testKeys(0x22)); err == nil {
		t.Fatal("установка должна завершиться ошибкой")
	}

	installer.mu.Lock()
	defer installer.mu.Unlock()
	if len(installer.removes) != 1 || installer.removes[0] != DirectionSend {
		t.Errorf("ключ отправки не откачен: removes=%v", installer.removes)
	}

	if sess.SecurityState().Source != KeySourceUnset {
		t.Error("источник ключей не должен быть установлен после отката")
	}
}

// TestInstallAndRemoveSRTPKeys тестирует полный цикл установки и снятия
func TestInstallAndRemoveSRTPKeys(t *testing.T) {
	var mu sync.Mutex
	var states []bool

	sess, err := NewSession(SessionConfig{
		SessionID: "keys",
		OnEncryptionStateChanged: func(sessionID string, secured bool) {
			mu.Lock()
			states = append(states, secured)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("ошибка создания сессии: %v", err)
	}

	binder := sess.(zrtp.SessionBinder)
	if err := binder.InstallSRTPKeys(testKeys(0x11), testKeys(0x22)); err != nil {
		t.Fatalf("ошибка установки ключей: %v", err)
	}
	binder.OnEncryptionStateChanged(true)

	state := sess.SecurityState()
	if !state.Secured {
		t.Error("сессия должна быть защищена")
	}
	if state.Source != KeySourceZRTP {
		t.Errorf("источник ключей %v, ожидался zrtp", state.Source)
	}
	if state.SendSuite != "AES1/HS80" || state.RecvSuite != "AES1/HS80" {
		t.Errorf("неожиданные наборы: send=%s recv=%s", state.SendSuite, state.RecvSuite)
	}

	if err := binder.RemoveSRTPKeys(); err != nil {
		t.Fatalf("ошибка снятия ключей: %v", err)
	}
	binder.OnEncryptionStateChanged(false)

	state = sess.SecurityState()
	if state.Secured {
		t.Error("сессия не должна быть защищена после снятия ключей")
	}
	if state.Source != KeySourceUnset {
		t.Errorf("источник ключей %v после снятия, ожидался unset", state.Source)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || !states[0] || states[1] {
		t.Errorf("последовательность уведомлений %v, ожидалось [true false]", states)
	}
}

// TestSecuredMediaRoundTrip тестирует сквозное шифрование:
// пакет, отправленный одной сессией, расшифровывается другой
// при зеркально установленных ключах
func TestSecuredMediaRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var received []*rtp.Packet

	alice, err := NewSession(SessionConfig{SessionID: "alice"})
	if err != nil {
		t.Fatalf("ошибка создания сессии: %v", err)
	}
	bob, err := NewSession(SessionConfig{
		SessionID: "bob",
		OnMediaReceived: func(pkt *rtp.Packet, rtpSessionID string) {
			mu.Lock()
			received = append(received, pkt)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("ошибка создания сессии: %v", err)
	}

	aliceTr := newFakeTransport()
	bobTr := newFakeTransport()
	if err := alice.AddRTPSession("audio", aliceTr); err != nil {
		t.Fatal(err)
	}
	if err := bob.AddRTPSession("audio", bobTr); err != nil {
		t.Fatal(err)
	}
	if err := alice.Start(); err != nil {
		t.Fatal(err)
	}
	defer alice.Stop()
	if err := bob.Start(); err != nil {
		t.Fatal(err)
	}
	defer bob.Stop()

	// зеркальные ключи: отправка alice == прием bob
	keyA := testKeys(0x5a)
	keyB := testKeys(0xa5)
	if err := alice.(zrtp.SessionBinder).InstallSRTPKeys(keyA, keyB); err != nil {
		t.Fatalf("ошибка установки ключей alice: %v", err)
	}
	if err := bob.(zrtp.SessionBinder).InstallSRTPKeys(keyB, keyA); err != nil {
		t.Fatalf("ошибка установки ключей bob: %v", err)
	}

	payload := []byte("голосовой кадр")
	if err := alice.SendMedia("audio", payload, 160); err != nil {
		t.Fatalf("ошибка отправки: %v", err)
	}

	sent := aliceTr.sentPackets()
	if len(sent) != 1 {
		t.Fatalf("отправлено %d пакетов, ожидался 1", len(sent))
	}
	// на проводе payload зашифрован
	var wire rtp.Packet
	if err := wire.Unmarshal(sent[0]); err != nil {
		t.Fatalf("ошибка разбора пакета: %v", err)
	}
	if bytes.Equal(wire.Payload, payload) {
		t.Error("payload на проводе не зашифрован")
	}

	bobTr.inject(sent[0])
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, "расшифрованный пакет")

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(received[0].Payload, payload) {
		t.Errorf("payload после расшифровки %q, ожидался %q", received[0].Payload, payload)
	}
}

// TestSendPacketNoTransports тестирует отправку протокольного пакета
// без транспортов
func TestSendPacketNoTransports(t *testing.T) {
	sess, err := NewSession(SessionConfig{SessionID: "proto"})
	if err != nil {
		t.Fatalf("ошибка создания сессии: %v", err)
	}

	transport := sess.(zrtp.Transport)
	if err := transport.SendPacket([]byte{0x01}); err == nil {
		t.Error("отправка без транспортов должна возвращать ошибку")
	}
}

// TestSetGoClearState тестирует отражение подсостояния GoClear
func TestSetGoClearState(t *testing.T) {
	sess, err := NewSession(SessionConfig{SessionID: "goclear"})
	if err != nil {
		t.Fatalf("ошибка создания сессии: %v", err)
	}

	sess.SetGoClearState("cleartext")
	if got := sess.SecurityState().GoClearState; got != "cleartext" {
		t.Errorf("GoClearState %q, ожидалось cleartext", got)
	}
}
