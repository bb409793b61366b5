// Демонстрация согласования ключей и защищенной медиа сессии:
// два локальных endpoint'а договариваются о ключах поверх UDP,
// сверяют SAS, обмениваются зашифрованным медиа и проходят цикл
// GoClear / Back2Secure.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	rtplib "github.com/pion/rtp"
	"github.com/pion/sdp/v3"

	"github.com/arzzra/secure_media/pkg/media"
	"github.com/arzzra/secure_media/pkg/rtp"
	"github.com/arzzra/secure_media/pkg/zrtp"
	"github.com/arzzra/secure_media/pkg/zrtp/cache"
)

type endpoint struct {
	name    string
	session media.Session
	ctx     *zrtp.Context
	store   *cache.Store
	media   chan *rtplib.Packet
}

func main() {
	fmt.Println("=== Демонстрация защищенной медиа сессии ===")

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if !zrtp.Available() {
		log.Fatal("нет доступных алгоритмов согласования ключей")
	}

	cacheDir, err := os.MkdirTemp("", "zrtp_demo_cache")
	if err != nil {
		log.Fatalf("Ошибка создания каталога кэша: %v", err)
	}
	defer os.RemoveAll(cacheDir)

	// Два endpoint'а на loopback. ZID определяет роль: сторона с
	// лексикографически большим ZID становится инициатором.
	alice := buildEndpoint("alice", cacheDir, [12]byte{0xff, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11})
	defer alice.close()
	bob := buildEndpoint("bob", cacheDir, [12]byte{0x00, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11})
	defer bob.close()

	connectEndpoints(alice, bob)

	// Обмен hello-hash через SDP (защита от MitM на сигнализации)
	exchangeHelloHashes(alice, bob)

	if err := alice.session.Start(); err != nil {
		log.Fatalf("Ошибка запуска сессии alice: %v", err)
	}
	if err := bob.session.Start(); err != nil {
		log.Fatalf("Ошибка запуска сессии bob: %v", err)
	}

	fmt.Println("\n--- Согласование ключей ---")
	if err := alice.ctx.StartChannel(); err != nil {
		log.Fatalf("Ошибка запуска канала alice: %v", err)
	}
	if err := bob.ctx.StartChannel(); err != nil {
		log.Fatalf("Ошибка запуска канала bob: %v", err)
	}

	runTimers(5*time.Second, alice, bob)

	if err := waitState(alice, bob, zrtp.StateSecured, 5*time.Second); err != nil {
		log.Fatalf("Согласование не завершилось: %v (alice=%s bob=%s)",
			err, alice.ctx.State(), bob.ctx.State())
	}
	fmt.Println("✓ Оба канала защищены")

	sasA, sasB := alice.ctx.SAS(), bob.ctx.SAS()
	fmt.Printf("  SAS alice: %s\n  SAS bob:   %s\n", sasA, sasB)
	if sasA != sasB {
		log.Fatal("SAS не совпадают!")
	}
	fmt.Println("✓ SAS совпадают — пользователи подтверждают вслух")

	if err := alice.ctx.SASVerified(); err != nil {
		log.Fatalf("Ошибка подтверждения SAS: %v", err)
	}
	if err := bob.ctx.SASVerified(); err != nil {
		log.Fatalf("Ошибка подтверждения SAS: %v", err)
	}
	fmt.Printf("✓ SAS подтвержден, статус peer'а: %s / %s\n",
		alice.ctx.PeerStatus(), bob.ctx.PeerStatus())

	set := alice.ctx.Selected()
	fmt.Printf("  Выбрано: hash=%s cipher=%s auth=%s ka=%s sas=%s\n",
		set.Hash, set.Cipher, set.AuthTag, set.KeyAgreement, set.SASType)

	sendDemoMedia(alice, bob)
	demoGoClear(alice, bob)

	fmt.Println("\n=== Демонстрация завершена ===")
}

func buildEndpoint(name, cacheDir string, zid [12]byte) *endpoint {
	store, result, err := cache.Open(filepath.Join(cacheDir, name+".json"), nil)
	if err != nil {
		log.Fatalf("Ошибка открытия кэша %s: %v", name, err)
	}
	fmt.Printf("✓ Кэш %s открыт: %v\n", name, result)

	received := make(chan *rtplib.Packet, 16)
	sess, err := media.NewSession(media.SessionConfig{
		SessionID:   name,
		PayloadType: 0,
		OnEncryptionStateChanged: func(sessionID string, secured bool) {
			fmt.Printf("  [%s] шифрование: %v\n", sessionID, secured)
		},
		OnMediaReceived: func(pkt *rtplib.Packet, rtpSessionID string) {
			select {
			case received <- pkt:
			default:
			}
		},
	})
	if err != nil {
		log.Fatalf("Ошибка создания медиа сессии %s: %v", name, err)
	}

	cfg := zrtp.DefaultConfig()
	cfg.SelfURI = name + "@demo.local"
	cfg.Cache = store
	cfg.ZID = zid
	cfg.AcceptGoClear = true

	ctx, err := zrtp.NewContext(cfg, sess, sess)
	if err != nil {
		log.Fatalf("Ошибка создания контекста %s: %v", name, err)
	}
	ctx.EnableGoClear(true)

	sess.BindProtocolHandler(func(payload []byte) {
		_ = ctx.ProcessPacket(payload)
	})

	return &endpoint{name: name, session: sess, ctx: ctx, store: store, media: received}
}

func connectEndpoints(a, b *endpoint) {
	ta, err := rtp.NewUDPTransport(rtp.TransportConfig{LocalAddr: "127.0.0.1:0", BufferSize: 1500})
	if err != nil {
		log.Fatalf("Ошибка создания транспорта: %v", err)
	}
	tb, err := rtp.NewUDPTransport(rtp.TransportConfig{LocalAddr: "127.0.0.1:0", BufferSize: 1500})
	if err != nil {
		log.Fatalf("Ошибка создания транспорта: %v", err)
	}
	if err := ta.SetRemoteAddr(tb.LocalAddr().String()); err != nil {
		log.Fatalf("Ошибка адресации: %v", err)
	}
	if err := tb.SetRemoteAddr(ta.LocalAddr().String()); err != nil {
		log.Fatalf("Ошибка адресации: %v", err)
	}
	if err := a.session.AddRTPSession("audio", ta); err != nil {
		log.Fatalf("Ошибка добавления транспорта: %v", err)
	}
	if err := b.session.AddRTPSession("audio", tb); err != nil {
		log.Fatalf("Ошибка добавления транспорта: %v", err)
	}
	fmt.Printf("✓ Транспорты соединены: %s <-> %s\n", ta.LocalAddr(), tb.LocalAddr())
}

// exchangeHelloHashes имитирует обмен hello-hash через SDP offer/answer
func exchangeHelloHashes(a, b *endpoint) {
	offer := buildSDPWithHash(a.ctx.HelloHash())
	answer := buildSDPWithHash(b.ctx.HelloHash())

	hashFromA, ok := zrtp.HelloHashFromSession(offer)
	if !ok {
		log.Fatal("hello-hash отсутствует в SDP offer")
	}
	hashFromB, ok := zrtp.HelloHashFromSession(answer)
	if !ok {
		log.Fatal("hello-hash отсутствует в SDP answer")
	}

	if err := a.ctx.SetPeerHelloHash(hashFromB); err != nil {
		log.Fatalf("Ошибка установки hello-hash: %v", err)
	}
	if err := b.ctx.SetPeerHelloHash(hashFromA); err != nil {
		log.Fatalf("Ошибка установки hello-hash: %v", err)
	}
	fmt.Println("✓ Hello-hash обменяны через SDP")
}

func buildSDPWithHash(hash string) *sdp.SessionDescription {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{"0"},
		},
	}
	zrtp.AttachHelloHash(md, hash)
	return &sdp.SessionDescription{
		Origin:            sdp.Origin{Username: "-", SessionID: 1, SessionVersion: 1, NetworkType: "IN", AddressType: "IP4", UnicastAddress: "127.0.0.1"},
		SessionName:       "demo",
		MediaDescriptions: []*sdp.MediaDescription{md},
	}
}

// runTimers гоняет таймеры ретрансмиссии обоих каналов в фоне
func runTimers(d time.Duration, eps ...*endpoint) {
	go func() {
		deadline := time.Now().Add(d)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for now := range ticker.C {
			if now.After(deadline) {
				return
			}
			for _, ep := range eps {
				ep.ctx.OnTimer(now)
			}
		}
	}()
}

func waitState(a, b *endpoint, state string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if a.ctx.State() == state && b.ctx.State() == state {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("таймаут ожидания состояния %q", state)
}

func sendDemoMedia(a, b *endpoint) {
	fmt.Println("\n--- Защищенное медиа ---")
	payload := []byte("demo voice frame")
	if err := a.session.SendMedia("audio", payload, 160); err != nil {
		log.Fatalf("Ошибка отправки медиа: %v", err)
	}

	select {
	case pkt := <-b.media:
		fmt.Printf("✓ bob принял расшифрованный пакет: %d байт, seq=%d\n",
			len(pkt.Payload), pkt.SequenceNumber)
	case <-time.After(2 * time.Second):
		log.Fatal("Медиа пакет не дошел")
	}
}

func demoGoClear(a, b *endpoint) {
	fmt.Println("\n--- GoClear / Back2Secure ---")

	if err := a.ctx.SendGoClear(); err != nil {
		log.Fatalf("Ошибка GoClear: %v", err)
	}

	// Ждем пока bob получит запрос и подтвердим от имени пользователя
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.ctx.GoClearState() == zrtp.ClearStateGoClearReceived {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := b.ctx.ConfirmGoClear(); err != nil {
		log.Fatalf("Ошибка подтверждения GoClear: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.ctx.GoClearState() == zrtp.ClearStateCleartext &&
			b.ctx.GoClearState() == zrtp.ClearStateCleartext {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	fmt.Printf("✓ Оба канала в cleartext (alice=%s bob=%s)\n",
		a.ctx.GoClearState(), b.ctx.GoClearState())

	if err := a.ctx.BackToSecureMode(); err != nil {
		log.Fatalf("Ошибка возврата в защищенный режим: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.ctx.GoClearState() == zrtp.ClearStateSecure &&
			b.ctx.GoClearState() == zrtp.ClearStateSecure {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	fmt.Printf("✓ Шифрование восстановлено (alice=%s bob=%s)\n",
		a.ctx.GoClearState(), b.ctx.GoClearState())
}

func (e *endpoint) close() {
	e.ctx.Destroy()
	_ = e.session.Stop()
}
