package media

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/srtp/v2"

	"github.com/arzzra/secure_media/pkg/zrtp"
)

// SRTPInstaller реализация KeyInstaller поверх pion/srtp.
// Держит по одному SRTP контексту на направление; контексты
// пересоздаются целиком при каждой установке ключа.
type SRTPInstaller struct {
	mu   sync.RWMutex
	send *srtp.Context
	recv *srtp.Context
}

// NewSRTPInstaller создает установщик без активных контекстов
func NewSRTPInstaller() *SRTPInstaller {
	return &SRTPInstaller{}
}

// protectionProfile отображает согласованную пару шифр/auth tag
// в профиль pion/srtp
func protectionProfile(cipher zrtp.Cipher, authTag zrtp.AuthTag) (srtp.ProtectionProfile, error) {
	switch {
	case cipher == zrtp.CipherAES1 && authTag == zrtp.AuthTagHS80:
		return srtp.ProtectionProfileAes128CmHmacSha1_80, nil
	case cipher == zrtp.CipherAES1 && authTag == zrtp.AuthTagHS32:
		return srtp.ProtectionProfileAes128CmHmacSha1_32, nil
	default:
		return 0, fmt.Errorf("набор %s/%s не поддерживается SRTP реализацией", cipher, authTag)
	}
}

// InstallKey устанавливает ключевой материал направления
func (i *SRTPInstaller) InstallKey(dir Direction, keys zrtp.SRTPKeys) error {
	profile, err := protectionProfile(keys.Cipher, keys.AuthTag)
	if err != nil {
		return wrapMediaError(ErrorCodeUnsupportedCipherSuite, "", "выбор SRTP профиля", err)
	}
	ctx, err := srtp.CreateContext(keys.MasterKey, keys.MasterSalt, profile)
	if err != nil {
		return wrapMediaError(ErrorCodeKeyInstallFailed, "", "создание SRTP контекста", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	switch dir {
	case DirectionSend:
		i.send = ctx
	case DirectionReceive:
		i.recv = ctx
	}
	return nil
}

// RemoveKey снимает ключ направления
func (i *SRTPInstaller) RemoveKey(dir Direction) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch dir {
	case DirectionSend:
		i.send = nil
	case DirectionReceive:
		i.recv = nil
	}
	return nil
}

// Active проверяет установлены ли контексты обоих направлений
func (i *SRTPInstaller) Active() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.send != nil && i.recv != nil
}

// ProtectRTP шифрует исходящий RTP пакет.
// Без установленного контекста возвращает payload без изменений
// (открытый режим).
func (i *SRTPInstaller) ProtectRTP(pkt *rtp.Packet) ([]byte, error) {
	i.mu.RLock()
	ctx := i.send
	i.mu.RUnlock()

	raw, err := pkt.Marshal()
	if err != nil {
		return nil, wrapMediaError(ErrorCodeProtectFailed, "", "сериализация RTP пакета", err)
	}
	if ctx == nil {
		return raw, nil
	}
	protected, err := ctx.EncryptRTP(nil, raw, nil)
	if err != nil {
		return nil, wrapMediaError(ErrorCodeProtectFailed, "", "шифрование RTP пакета", err)
	}
	return protected, nil
}

// UnprotectRTP расшифровывает входящий SRTP пакет.
// Без установленного контекста возвращает данные без изменений.
func (i *SRTPInstaller) UnprotectRTP(raw []byte) ([]byte, error) {
	i.mu.RLock()
	ctx := i.recv
	i.mu.RUnlock()

	if ctx == nil {
		return raw, nil
	}
	plain, err := ctx.DecryptRTP(nil, raw, nil)
	if err != nil {
		return nil, wrapMediaError(ErrorCodeUnprotectFailed, "", "расшифровка SRTP пакета", err)
	}
	return plain, nil
}
