package zrtp

import (
	"github.com/pion/sdp/v3"
)

// Hello hash передается через сигнализацию атрибутом "a=zrtp-hash"
// (RFC 6189 секция 8): принятый in-band Hello сверяется с hash из
// доверенного сигнального пути, что связывает согласование
// с известной identity абонента.

// helloHashAttribute имя SDP атрибута для hello hash
const helloHashAttribute = "zrtp-hash"

// AttachHelloHash добавляет hello hash канала в media description
// исходящего SDP предложения или ответа
func AttachHelloHash(md *sdp.MediaDescription, helloHash string) {
	md.Attributes = append(md.Attributes, sdp.Attribute{
		Key:   helloHashAttribute,
		Value: helloHash,
	})
}

// HelloHashFromMedia извлекает hello hash абонента из media description
// принятого SDP. Возвращает false если атрибут отсутствует.
func HelloHashFromMedia(md *sdp.MediaDescription) (string, bool) {
	if md == nil {
		return "", false
	}
	for _, attr := range md.Attributes {
		if attr.Key == helloHashAttribute && attr.Value != "" {
			return attr.Value, true
		}
	}
	return "", false
}

// HelloHashFromSession извлекает hello hash из первого media description
// сессии, содержащего атрибут
func HelloHashFromSession(sd *sdp.SessionDescription) (string, bool) {
	if sd == nil {
		return "", false
	}
	for _, md := range sd.MediaDescriptions {
		if hash, ok := HelloHashFromMedia(md); ok {
			return hash, true
		}
	}
	return "", false
}
