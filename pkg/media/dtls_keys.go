package media

import (
	"fmt"

	rtpPkg "github.com/arzzra/secure_media/pkg/rtp"

	"github.com/arzzra/secure_media/pkg/zrtp"
)

// Раскладка экспортированного материала DTLS-SRTP (RFC 5764, секция 4.2):
// client_write_key | server_write_key | client_write_salt | server_write_salt.
// Длины соответствуют AES_CM_128_HMAC_SHA1 профилям.
const (
	dtlsSRTPKeyLen  = 16
	dtlsSRTPSaltLen = 14
)

// DTLSKeyExporter источник ключевого материала завершенного DTLS
// рукопожатия. Реализуется rtp.DTLSTransport.
type DTLSKeyExporter interface {
	ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error)
}

var _ DTLSKeyExporter = (*rtpPkg.DTLSTransport)(nil)

// DTLSSRTPKeys выводит SRTP ключи обоих направлений из DTLS рукопожатия.
// client указывает роль в рукопожатии: клиент отправляет под клиентскими
// ключами, сервер под серверными, поэтому send/recv зеркальны между
// сторонами. Результат устанавливается через Session.InstallDTLSKeys.
func DTLSSRTPKeys(exporter DTLSKeyExporter, client bool) (send, recv zrtp.SRTPKeys, err error) {
	total := 2*dtlsSRTPKeyLen + 2*dtlsSRTPSaltLen
	material, err := exporter.ExportKeyingMaterial(rtpPkg.DTLSSRTPExportLabel, nil, total)
	if err != nil {
		return zrtp.SRTPKeys{}, zrtp.SRTPKeys{}, fmt.Errorf("ошибка экспорта ключевого материала: %w", err)
	}
	if len(material) != total {
		return zrtp.SRTPKeys{}, zrtp.SRTPKeys{}, fmt.Errorf("неожиданная длина ключевого материала: %d", len(material))
	}

	clientKey := material[:dtlsSRTPKeyLen]
	serverKey := material[dtlsSRTPKeyLen : 2*dtlsSRTPKeyLen]
	clientSalt := material[2*dtlsSRTPKeyLen : 2*dtlsSRTPKeyLen+dtlsSRTPSaltLen]
	serverSalt := material[2*dtlsSRTPKeyLen+dtlsSRTPSaltLen:]

	clientKeys := zrtp.SRTPKeys{
		Cipher:     zrtp.CipherAES1,
		AuthTag:    zrtp.AuthTagHS80,
		MasterKey:  append([]byte(nil), clientKey...),
		MasterSalt: append([]byte(nil), clientSalt...),
	}
	serverKeys := zrtp.SRTPKeys{
		Cipher:     zrtp.CipherAES1,
		AuthTag:    zrtp.AuthTagHS80,
		MasterKey:  append([]byte(nil), serverKey...),
		MasterSalt: append([]byte(nil), serverSalt...),
	}

	if client {
		return clientKeys, serverKeys, nil
	}
	return serverKeys, clientKeys, nil
}
