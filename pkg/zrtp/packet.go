package zrtp

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Кадрирование протокольных сообщений поверх RTP потока.
// Каждое сообщение несет magic cookie, по которому демультиплексор
// медиа сессии отличает протокольные пакеты от медиа (RFC 6189 секция 5).

// protocolMagic magic cookie "ZRTP" в начале каждого протокольного пакета
const protocolMagic = 0x5a525450

// ProtocolVersion версия протокола в Hello сообщении
const ProtocolVersion = "1.10"

const (
	frameHeaderSize  = 9 // magic(4) + seq(2) + type(1) + len(2)
	frameTrailerSize = 4 // crc32
	maxBodySize      = 1024
)

// MessageType тип протокольного сообщения
type MessageType uint8

const (
	msgInvalid MessageType = iota
	MsgHello
	MsgHelloACK
	MsgCommit
	MsgDHPart1
	MsgDHPart2
	MsgConfirm1
	MsgConfirm2
	MsgConf2ACK
	MsgGoClear
	MsgClearACK
	MsgBack2Secure
	MsgError
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "Hello"
	case MsgHelloACK:
		return "HelloACK"
	case MsgCommit:
		return "Commit"
	case MsgDHPart1:
		return "DHPart1"
	case MsgDHPart2:
		return "DHPart2"
	case MsgConfirm1:
		return "Confirm1"
	case MsgConfirm2:
		return "Confirm2"
	case MsgConf2ACK:
		return "Conf2ACK"
	case MsgGoClear:
		return "GoClear"
	case MsgClearACK:
		return "ClearACK"
	case MsgBack2Secure:
		return "Back2Secure"
	case MsgError:
		return "Error"
	default:
		return "Invalid"
	}
}

// IsProtocolPacket проверяет, является ли payload протокольным пакетом.
// Используется демультиплексором медиа сессии для маршрутизации.
// Проверяется весь кадр, а не только magic cookie: открытый медиа
// payload, случайно начинающийся с magic, не пройдет проверку длины
// и контрольной суммы и не будет уведен из медиа потока.
func IsProtocolPacket(payload []byte) bool {
	if len(payload) < frameHeaderSize+frameTrailerSize ||
		binary.BigEndian.Uint32(payload) != protocolMagic {
		return false
	}
	bodyLen := int(binary.BigEndian.Uint16(payload[7:]))
	if len(payload) != frameHeaderSize+bodyLen+frameTrailerSize {
		return false
	}
	crc := binary.BigEndian.Uint32(payload[frameHeaderSize+bodyLen:])
	return crc == crc32.ChecksumIEEE(payload[:frameHeaderSize+bodyLen])
}

// frame несет одно протокольное сообщение с порядковым номером
type frame struct {
	Sequence uint16
	Type     MessageType
	Body     []byte
}

// marshalFrame сериализует кадр с CRC32 контрольной суммой
func marshalFrame(f *frame) ([]byte, error) {
	if len(f.Body) > maxBodySize {
		return nil, newError(ErrorCodeMalformedPacket, "",
			fmt.Sprintf("тело сообщения %d байт превышает предел %d", len(f.Body), maxBodySize))
	}
	buf := make([]byte, frameHeaderSize+len(f.Body)+frameTrailerSize)
	binary.BigEndian.PutUint32(buf, protocolMagic)
	binary.BigEndian.PutUint16(buf[4:], f.Sequence)
	buf[6] = byte(f.Type)
	binary.BigEndian.PutUint16(buf[7:], uint16(len(f.Body)))
	copy(buf[frameHeaderSize:], f.Body)
	crc := crc32.ChecksumIEEE(buf[:frameHeaderSize+len(f.Body)])
	binary.BigEndian.PutUint32(buf[frameHeaderSize+len(f.Body):], crc)
	return buf, nil
}

// unmarshalFrame разбирает и валидирует кадр.
// Любое нарушение формата возвращает MalformedPacket.
func unmarshalFrame(data []byte) (*frame, error) {
	if len(data) < frameHeaderSize+frameTrailerSize {
		return nil, newError(ErrorCodeMalformedPacket, "", "пакет короче минимального размера")
	}
	if binary.BigEndian.Uint32(data) != protocolMagic {
		return nil, newError(ErrorCodeMalformedPacket, "", "отсутствует magic cookie")
	}
	bodyLen := int(binary.BigEndian.Uint16(data[7:]))
	if bodyLen > maxBodySize {
		return nil, newError(ErrorCodeMalformedPacket, "",
			fmt.Sprintf("заявленная длина тела %d превышает предел %d", bodyLen, maxBodySize))
	}
	if len(data) != frameHeaderSize+bodyLen+frameTrailerSize {
		return nil, newError(ErrorCodeMalformedPacket, "", "длина пакета не соответствует заголовку")
	}
	want := binary.BigEndian.Uint32(data[frameHeaderSize+bodyLen:])
	got := crc32.ChecksumIEEE(data[:frameHeaderSize+bodyLen])
	if want != got {
		return nil, newError(ErrorCodeMalformedPacket, "", "контрольная сумма не совпадает")
	}
	msgType := MessageType(data[6])
	if msgType == msgInvalid || msgType > MsgError {
		return nil, newError(ErrorCodeMalformedPacket, "",
			fmt.Sprintf("неизвестный тип сообщения %d", data[6]))
	}
	body := make([]byte, bodyLen)
	copy(body, data[frameHeaderSize:frameHeaderSize+bodyLen])
	return &frame{
		Sequence: binary.BigEndian.Uint16(data[4:]),
		Type:     msgType,
		Body:     body,
	}, nil
}

// helloMessage объявление возможностей канала
type helloMessage struct {
	Version       string
	ZID           [12]byte
	Multistream   bool
	Hashes        []Hash
	Ciphers       []Cipher
	AuthTags      []AuthTag
	KeyAgreements []KeyAgreement
	SASTypes      []SASType
}

func (m *helloMessage) marshal() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, []byte(m.Version)...) // ровно 4 байта
	buf = append(buf, m.ZID[:]...)
	var flags byte
	if m.Multistream {
		flags |= 0x01
	}
	buf = append(buf, flags)
	buf = appendAlgoList(buf, toBytes(m.Hashes))
	buf = appendAlgoList(buf, toBytes(m.Ciphers))
	buf = appendAlgoList(buf, toBytes(m.AuthTags))
	buf = appendAlgoList(buf, toBytes(m.KeyAgreements))
	buf = appendAlgoList(buf, toBytes(m.SASTypes))
	return buf
}

func parseHello(body []byte) (*helloMessage, error) {
	if len(body) < 4+12+1 {
		return nil, newError(ErrorCodeMalformedPacket, "", "Hello сообщение слишком короткое")
	}
	m := &helloMessage{Version: string(body[:4])}
	copy(m.ZID[:], body[4:16])
	m.Multistream = body[16]&0x01 != 0
	rest := body[17:]

	lists := make([][]byte, 5)
	for i := range lists {
		var err error
		lists[i], rest, err = readAlgoList(rest)
		if err != nil {
			return nil, err
		}
	}
	m.Hashes = fromBytes[Hash](lists[0])
	m.Ciphers = fromBytes[Cipher](lists[1])
	m.AuthTags = fromBytes[AuthTag](lists[2])
	m.KeyAgreements = fromBytes[KeyAgreement](lists[3])
	m.SASTypes = fromBytes[SASType](lists[4])
	return m, nil
}

// commitMessage фиксирует выбранный набор алгоритмов
type commitMessage struct {
	ZID          [12]byte
	Multistream  bool
	Hash         Hash
	Cipher       Cipher
	AuthTag      AuthTag
	KeyAgreement KeyAgreement
	SASType      SASType
	Nonce        [16]byte
}

func (m *commitMessage) marshal() []byte {
	buf := make([]byte, 0, 12+1+5+16)
	buf = append(buf, m.ZID[:]...)
	var flags byte
	if m.Multistream {
		flags |= 0x01
	}
	buf = append(buf, flags)
	buf = append(buf, byte(m.Hash), byte(m.Cipher), byte(m.AuthTag), byte(m.KeyAgreement), byte(m.SASType))
	buf = append(buf, m.Nonce[:]...)
	return buf
}

func parseCommit(body []byte) (*commitMessage, error) {
	if len(body) != 12+1+5+16 {
		return nil, newError(ErrorCodeMalformedPacket, "", "Commit сообщение неверной длины")
	}
	m := &commitMessage{}
	copy(m.ZID[:], body[:12])
	m.Multistream = body[12]&0x01 != 0
	m.Hash = Hash(body[13])
	m.Cipher = Cipher(body[14])
	m.AuthTag = AuthTag(body[15])
	m.KeyAgreement = KeyAgreement(body[16])
	m.SASType = SASType(body[17])
	copy(m.Nonce[:], body[18:])
	return m, nil
}

// dhPartMessage несет эфемерный публичный ключ и идентификатор
// вспомогательного секрета для детектирования рассинхронизации
type dhPartMessage struct {
	Public [32]byte
	AuxID  [8]byte
}

func (m *dhPartMessage) marshal() []byte {
	buf := make([]byte, 0, 40)
	buf = append(buf, m.Public[:]...)
	buf = append(buf, m.AuxID[:]...)
	return buf
}

func parseDHPart(body []byte) (*dhPartMessage, error) {
	if len(body) != 40 {
		return nil, newError(ErrorCodeMalformedPacket, "", "DHPart сообщение неверной длины")
	}
	m := &dhPartMessage{}
	copy(m.Public[:], body[:32])
	copy(m.AuxID[:], body[32:])
	return m, nil
}

// confirmMessage несет HMAC подтверждения, связывающий транскрипт обмена
type confirmMessage struct {
	MAC [32]byte
}

func (m *confirmMessage) marshal() []byte {
	out := make([]byte, 32)
	copy(out, m.MAC[:])
	return out
}

func parseConfirm(body []byte) (*confirmMessage, error) {
	if len(body) != 32 {
		return nil, newError(ErrorCodeMalformedPacket, "", "Confirm сообщение неверной длины")
	}
	m := &confirmMessage{}
	copy(m.MAC[:], body)
	return m, nil
}

// errorMessage сообщает абоненту о фатальной протокольной ошибке
type errorMessage struct {
	Code uint16
}

func (m *errorMessage) marshal() []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, m.Code)
	return out
}

func parseError(body []byte) (*errorMessage, error) {
	if len(body) != 2 {
		return nil, newError(ErrorCodeMalformedPacket, "", "Error сообщение неверной длины")
	}
	return &errorMessage{Code: binary.BigEndian.Uint16(body)}, nil
}

// appendAlgoList добавляет список кодов с префиксом длины
func appendAlgoList(buf []byte, codes []byte) []byte {
	buf = append(buf, byte(len(codes)))
	return append(buf, codes...)
}

// readAlgoList читает список кодов с префиксом длины
func readAlgoList(data []byte) (list []byte, rest []byte, err error) {
	if len(data) < 1 {
		return nil, nil, newError(ErrorCodeMalformedPacket, "", "обрезанный список алгоритмов")
	}
	n := int(data[0])
	if n > MaxCryptoTypes {
		return nil, nil, newError(ErrorCodeMalformedPacket, "",
			fmt.Sprintf("список алгоритмов из %d элементов превышает предел %d", n, MaxCryptoTypes))
	}
	if len(data) < 1+n {
		return nil, nil, newError(ErrorCodeMalformedPacket, "", "обрезанный список алгоритмов")
	}
	return data[1 : 1+n], data[1+n:], nil
}

func toBytes[T ~int](codes []T) []byte {
	out := make([]byte, len(codes))
	for i, c := range codes {
		out[i] = byte(c)
	}
	return out
}

func fromBytes[T ~int](raw []byte) []T {
	out := make([]T, len(raw))
	for i, b := range raw {
		out[i] = T(b)
	}
	return out
}
