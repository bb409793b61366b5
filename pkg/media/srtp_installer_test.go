package media

import (
	"bytes"
	"errors"
	"testing"

	"github.com/pion/rtp"

	"github.com/arzzra/secure_media/pkg/zrtp"
)

// TestProtectionProfileMapping тестирует отображение согласованных
// наборов в профили SRTP
func TestProtectionProfileMapping(t *testing.T) {
	tests := []struct {
		name        string
		cipher      zrtp.Cipher
		authTag     zrtp.AuthTag
		expectError bool
	}{
		{"AES-128 + HMAC-80", zrtp.CipherAES1, zrtp.AuthTagHS80, false},
		{"AES-128 + HMAC-32", zrtp.CipherAES1, zrtp.AuthTagHS32, false},
		{"AES-256 не поддержан", zrtp.CipherAES3, zrtp.AuthTagHS80, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := protectionProfile(tt.cipher, tt.authTag)
			if tt.expectError && err == nil {
				t.Error("ожидалась ошибка выбора профиля")
			}
			if !tt.expectError && err != nil {
				t.Errorf("ошибка выбора профиля: %v", err)
			}
		})
	}
}

// TestSRTPInstallerUnsupportedSuite тестирует отказ установки ключа
// неподдерживаемого набора с кодом ошибки
func TestSRTPInstallerUnsupportedSuite(t *testing.T) {
	installer := NewSRTPInstaller()
	keys := testKeys(0x01)
	keys.Cipher = zrtp.Cipher2FS3

	err := installer.InstallKey(DirectionSend, keys)
	if err == nil {
		t.Fatal("ожидалась ошибка установки")
	}
	var mediaErr *MediaError
	if !errors.As(err, &mediaErr) || mediaErr.Code != ErrorCodeUnsupportedCipherSuite {
		t.Errorf("неожиданная ошибка: %v", err)
	}
}

// TestSRTPInstallerPassthrough тестирует открытый режим:
// без установленных контекстов данные проходят без изменений
func TestSRTPInstallerPassthrough(t *testing.T) {
	installer := NewSRTPInstaller()

	if installer.Active() {
		t.Error("новый установщик не должен быть активен")
	}

	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: 1, SSRC: 0xcafe},
		Payload: []byte{0x01, 0x02},
	}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("ошибка сериализации: %v", err)
	}

	protected, err := installer.ProtectRTP(pkt)
	if err != nil {
		t.Fatalf("ошибка защиты: %v", err)
	}
	if !bytes.Equal(protected, raw) {
		t.Error("в открытом режиме пакет должен проходить без изменений")
	}

	plain, err := installer.UnprotectRTP(raw)
	if err != nil {
		t.Fatalf("ошибка расшифровки: %v", err)
	}
	if !bytes.Equal(plain, raw) {
		t.Error("в открытом режиме прием должен проходить без изменений")
	}
}

// TestSRTPInstallerRoundTrip тестирует шифрование и расшифровку
// одним ключевым материалом
func TestSRTPInstallerRoundTrip(t *testing.T) {
	keys := testKeys(0x42)

	installer := NewSRTPInstaller()
	if err := installer.InstallKey(DirectionSend, keys); err != nil {
		t.Fatalf("ошибка установки ключа отправки: %v", err)
	}
	if err := installer.InstallKey(DirectionReceive, keys); err != nil {
		t.Fatalf("ошибка установки ключа приема: %v", err)
	}
	if !installer.Active() {
		t.Error("установщик должен быть активен")
	}

	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: 100, Timestamp: 8000, SSRC: 0xbeef},
		Payload: []byte("тестовый кадр"),
	}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("ошибка сериализации: %v", err)
	}

	protected, err := installer.ProtectRTP(pkt)
	if err != nil {
		t.Fatalf("ошибка защиты: %v", err)
	}
	if bytes.Equal(protected, raw) {
		t.Error("зашифрованный пакет совпадает с открытым")
	}
	// HMAC-SHA1-80 добавляет 10 байт auth tag
	if len(protected) != len(raw)+10 {
		t.Errorf("длина защищенного пакета %d, ожидалось %d", len(protected), len(raw)+10)
	}

	plain, err := installer.UnprotectRTP(protected)
	if err != nil {
		t.Fatalf("ошибка расшифровки: %v", err)
	}
	if !bytes.Equal(plain, raw) {
		t.Error("расшифрованный пакет не совпадает с исходным")
	}
}

// TestSRTPInstallerTamperDetection тестирует отбраковку искаженного
// пакета проверкой auth tag
func TestSRTPInstallerTamperDetection(t *testing.T) {
	keys := testKeys(0x42)
	installer := NewSRTPInstaller()
	if err := installer.InstallKey(DirectionSend, keys); err != nil {
		t.Fatal(err)
	}
	if err := installer.InstallKey(DirectionReceive, keys); err != nil {
		t.Fatal(err)
	}

	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: 5, SSRC: 0xbeef},
		Payload: []byte{0x11, 0x22, 0x33},
	}
	protected, err := installer.ProtectRTP(pkt)
	if err != nil {
		t.Fatal(err)
	}

	protected[len(protected)-1] ^= 0xff
	if _, err := installer.UnprotectRTP(protected); err == nil {
		t.Error("искаженный пакет должен отбраковываться")
	}
}

// TestSRTPInstallerRemoveKey тестирует возврат в открытый режим
func TestSRTPInstallerRemoveKey(t *testing.T) {
	keys := testKeys(0x42)
	installer := NewSRTPInstaller()
	if err := installer.InstallKey(DirectionSend, keys); err != nil {
		t.Fatal(err)
	}
	if err := installer.InstallKey(DirectionReceive, keys); err != nil {
		t.Fatal(err)
	}

	if err := installer.RemoveKey(DirectionSend); err != nil {
		t.Fatalf("ошибка снятия ключа: %v", err)
	}
	if installer.Active() {
		t.Error("установщик не должен быть активен после снятия ключа")
	}

	if err := installer.RemoveKey(DirectionReceive); err != nil {
		t.Fatal(err)
	}

	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, SSRC: 1},
		Payload: []byte{0x01},
	}
	raw, _ := pkt.Marshal()
	protected, err := installer.ProtectRTP(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(protected, raw) {
		t.Error("после снятия ключей пакеты должны проходить открыто")
	}
}
