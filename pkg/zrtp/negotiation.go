package zrtp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// AlgorithmSet выбранный набор алгоритмов, по одному на категорию
type AlgorithmSet struct {
	Hash         Hash
	Cipher       Cipher
	AuthTag      AuthTag
	KeyAgreement KeyAgreement
	SASType      SASType
}

func (s AlgorithmSet) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", s.Hash, s.Cipher, s.AuthTag, s.KeyAgreement, s.SASType)
}

// selectAlgorithms выбирает общий набор алгоритмов: по каждой категории
// независимо берется первый элемент списка инициатора, присутствующий
// в списке абонента. Пустое пересечение любой категории - ошибка
// NoCommonAlgorithm.
func selectAlgorithms(initiator, responder *helloMessage) (AlgorithmSet, error) {
	var set AlgorithmSet

	set.Hash = firstCommon(initiator.Hashes, responder.Hashes)
	if set.Hash == HashInvalid {
		return set, newError(ErrorCodeNoCommonAlgorithm, "", "нет общего hash алгоритма")
	}
	set.Cipher = firstCommon(initiator.Ciphers, responder.Ciphers)
	if set.Cipher == CipherInvalid {
		return set, newError(ErrorCodeNoCommonAlgorithm, "", "нет общего шифра")
	}
	set.AuthTag = firstCommon(initiator.AuthTags, responder.AuthTags)
	if set.AuthTag == AuthTagInvalid {
		return set, newError(ErrorCodeNoCommonAlgorithm, "", "нет общего auth tag")
	}
	set.KeyAgreement = firstCommon(initiator.KeyAgreements, responder.KeyAgreements)
	if set.KeyAgreement == KeyAgreementInvalid {
		return set, newError(ErrorCodeNoCommonAlgorithm, "", "нет общего алгоритма обмена ключами")
	}
	set.SASType = firstCommon(initiator.SASTypes, responder.SASTypes)
	if set.SASType == SASTypeInvalid {
		return set, newError(ErrorCodeNoCommonAlgorithm, "", "нет общего типа SAS")
	}
	return set, nil
}

// firstCommon возвращает первый элемент списка инициатора,
// присутствующий в списке абонента. Нулевое значение типа - не найдено.
func firstCommon[T comparable](initiator, responder []T) T {
	var zero T
	for _, want := range initiator {
		for _, have := range responder {
			if want == have {
				return want
			}
		}
	}
	return zero
}

// supportsSet проверяет что объявленные в Commit алгоритмы входят
// в собственный список возможностей
func (m *helloMessage) supportsSet(set AlgorithmSet) bool {
	return contains(m.Hashes, set.Hash) &&
		contains(m.Ciphers, set.Cipher) &&
		contains(m.AuthTags, set.AuthTag) &&
		contains(m.KeyAgreements, set.KeyAgreement) &&
		contains(m.SASTypes, set.SASType)
}

func contains[T comparable](list []T, v T) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

// hashFunc возвращает конструктор hash функции для согласованного алгоритма
func hashFunc(h Hash) func() hash.Hash {
	switch h {
	case HashS256:
		return sha256.New
	case HashS384:
		return sha512.New384
	case HashS512:
		return sha512.New
	case HashN256:
		return sha3.New256
	case HashN384:
		return sha3.New384
	default:
		return sha256.New
	}
}

// ephemeralKey эфемерная ключевая пара обмена ключами
type ephemeralKey struct {
	private [32]byte
	public  [32]byte
}

// generateEphemeralKey создает эфемерную пару для согласованного алгоритма
func generateEphemeralKey(ka KeyAgreement) (*ephemeralKey, error) {
	switch ka {
	case KeyAgreementX255:
		k := &ephemeralKey{}
		if _, err := rand.Read(k.private[:]); err != nil {
			return nil, wrapError(ErrorCodeKeyAgreementFailed, "", "генерация эфемерного ключа", err)
		}
		pub, err := curve25519.X25519(k.private[:], curve25519.Basepoint)
		if err != nil {
			return nil, wrapError(ErrorCodeKeyAgreementFailed, "", "вычисление публичного ключа", err)
		}
		copy(k.public[:], pub)
		return k, nil
	default:
		return nil, newError(ErrorCodeUnsupportedAlgorithm, "",
			fmt.Sprintf("обмен ключами %s недоступен", ka))
	}
}

// sharedSecret вычисляет общий секрет из своего приватного и чужого
// публичного ключа
func (k *ephemeralKey) sharedSecret(ka KeyAgreement, peerPublic [32]byte) ([]byte, error) {
	switch ka {
	case KeyAgreementX255:
		secret, err := curve25519.X25519(k.private[:], peerPublic[:])
		if err != nil {
			return nil, wrapError(ErrorCodeKeyAgreementFailed, "", "вычисление общего секрета", err)
		}
		return secret, nil
	default:
		return nil, newError(ErrorCodeUnsupportedAlgorithm, "",
			fmt.Sprintf("обмен ключами %s недоступен", ka))
	}
}

// wipe зануляет ключевой материал эфемерной пары
func (k *ephemeralKey) wipe() {
	memzero(k.private[:])
}

// sessionKeys весь ключевой материал, выведенный из общего секрета.
// Материал принадлежит контексту и зануляется при его разрушении.
type sessionKeys struct {
	s0 []byte // master секрет канала

	initiatorSRTPKey  []byte
	initiatorSRTPSalt []byte
	responderSRTPKey  []byte
	responderSRTPSalt []byte

	initiatorConfirmKey []byte
	responderConfirmKey []byte

	zrtpSessionKey []byte // для multistream производных
	sasValue       []byte // 4 байта для отображения SAS
}

// wipe зануляет весь ключевой материал
func (k *sessionKeys) wipe() {
	memzero(k.s0)
	memzero(k.initiatorSRTPKey)
	memzero(k.initiatorSRTPSalt)
	memzero(k.responderSRTPKey)
	memzero(k.responderSRTPSalt)
	memzero(k.initiatorConfirmKey)
	memzero(k.responderConfirmKey)
	memzero(k.zrtpSessionKey)
	memzero(k.sasValue)
}

// cipherKeyLen возвращает длину SRTP master ключа для шифра
func cipherKeyLen(c Cipher) int {
	switch c {
	case CipherAES1, Cipher2FS1:
		return 16
	case CipherAES2, Cipher2FS2:
		return 24
	case CipherAES3, Cipher2FS3:
		return 32
	default:
		return 16
	}
}

const srtpSaltLen = 14

// deriveKeys выводит весь ключевой материал канала из результата обмена
// ключами. totalHash - hash транскрипта обмена (Hello ответчика, Commit,
// оба DHPart), связывающий вывод ключей с полным ходом согласования.
// Вспомогательный секрет подмешивается только при совпадении на обеих
// сторонах.
func deriveKeys(set AlgorithmSet, dhResult, auxSecret, totalHash []byte, zidI, zidR [12]byte) (*sessionKeys, error) {
	hf := hashFunc(set.Hash)

	ikm := make([]byte, 0, len(dhResult)+len(auxSecret))
	ikm = append(ikm, dhResult...)
	ikm = append(ikm, auxSecret...)

	info := make([]byte, 0, 16+24)
	info = append(info, []byte("ZRTP-HMAC-KDF")...)
	info = append(info, zidI[:]...)
	info = append(info, zidR[:]...)

	keyLen := cipherKeyLen(set.Cipher)
	keys := &sessionKeys{
		s0:                  make([]byte, 32),
		initiatorSRTPKey:    make([]byte, keyLen),
		initiatorSRTPSalt:   make([]byte, srtpSaltLen),
		responderSRTPKey:    make([]byte, keyLen),
		responderSRTPSalt:   make([]byte, srtpSaltLen),
		initiatorConfirmKey: make([]byte, 32),
		responderConfirmKey: make([]byte, 32),
		zrtpSessionKey:      make([]byte, 32),
		sasValue:            make([]byte, 4),
	}

	// порядок чтения фиксирован: обе стороны должны выводить байты
	// в одинаковой последовательности
	reader := hkdf.New(hf, ikm, totalHash, info)
	order := [][]byte{
		keys.s0,
		keys.initiatorSRTPKey,
		keys.initiatorSRTPSalt,
		keys.responderSRTPKey,
		keys.responderSRTPSalt,
		keys.initiatorConfirmKey,
		keys.responderConfirmKey,
		keys.zrtpSessionKey,
		keys.sasValue,
	}
	for _, out := range order {
		if _, err := io.ReadFull(reader, out); err != nil {
			keys.wipe()
			return nil, wrapError(ErrorCodeKeyAgreementFailed, "", "вывод ключевого материала", err)
		}
	}
	return keys, nil
}

// deriveMultistreamKeys выводит ключи вторичного канала из session key
// первичного и nonce вторичного Commit. Каждый вторичный канал получает
// уникальный материал без повторного обмена ключами.
func deriveMultistreamKeys(set AlgorithmSet, zrtpSessionKey []byte, nonce [16]byte, zidI, zidR [12]byte) (*sessionKeys, error) {
	salt := make([]byte, 0, 16+24)
	salt = append(salt, nonce[:]...)
	salt = append(salt, zidI[:]...)
	salt = append(salt, zidR[:]...)
	return deriveKeysMS(set, zrtpSessionKey, salt)
}

func deriveKeysMS(set AlgorithmSet, ikm, salt []byte) (*sessionKeys, error) {
	hf := hashFunc(set.Hash)
	keyLen := cipherKeyLen(set.Cipher)
	keys := &sessionKeys{
		s0:                  make([]byte, 32),
		initiatorSRTPKey:    make([]byte, keyLen),
		initiatorSRTPSalt:   make([]byte, srtpSaltLen),
		responderSRTPKey:    make([]byte, keyLen),
		responderSRTPSalt:   make([]byte, srtpSaltLen),
		initiatorConfirmKey: make([]byte, 32),
		responderConfirmKey: make([]byte, 32),
		zrtpSessionKey:      make([]byte, 32),
		sasValue:            make([]byte, 4),
	}
	reader := hkdf.New(hf, ikm, salt, []byte("ZRTP MSK"))
	order := [][]byte{
		keys.s0,
		keys.initiatorSRTPKey,
		keys.initiatorSRTPSalt,
		keys.responderSRTPKey,
		keys.responderSRTPSalt,
		keys.initiatorConfirmKey,
		keys.responderConfirmKey,
		keys.zrtpSessionKey,
		keys.sasValue,
	}
	for _, out := range order {
		if _, err := io.ReadFull(reader, out); err != nil {
			keys.wipe()
			return nil, wrapError(ErrorCodeKeyAgreementFailed, "", "вывод multistream ключей", err)
		}
	}
	return keys, nil
}

// computeTotalHash вычисляет hash транскрипта обмена
func computeTotalHash(set AlgorithmSet, parts ...[]byte) []byte {
	h := hashFunc(set.Hash)()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// computeConfirmMAC вычисляет HMAC подтверждения над транскриптом
func computeConfirmMAC(set AlgorithmSet, confirmKey, totalHash []byte) [32]byte {
	mac := hmac.New(sha256.New, confirmKey)
	mac.Write(totalHash)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// auxSecretID вычисляет идентификатор вспомогательного секрета для роли.
// Идентификаторы обмениваются в DHPart: несовпадение означает разные
// секреты на сторонах и фиксируется флагом без прерывания сессии.
func auxSecretID(auxSecret []byte, roleLabel string) [8]byte {
	var out [8]byte
	if len(auxSecret) == 0 {
		return out
	}
	mac := hmac.New(sha256.New, auxSecret)
	mac.Write([]byte(roleLabel))
	copy(out[:], mac.Sum(nil))
	return out
}

// zBase32Alphabet алфавит z-base-32 для отображения SAS (RFC 6189 секция 4.5.2)
const zBase32Alphabet = "ybndrfg8ejkmcpqxot1uwisza345h769"

// renderSAS формирует строку SAS из выведенного значения.
// B32: 4 символа z-base-32 из первых 20 бит. B256: hex представление
// первых двух байт (словарное отображение - на стороне UI).
func renderSAS(sasType SASType, value []byte) string {
	if len(value) < 4 {
		return ""
	}
	switch sasType {
	case SASTypeB32:
		bits := uint32(value[0])<<24 | uint32(value[1])<<16 | uint32(value[2])<<8 | uint32(value[3])
		out := make([]byte, 4)
		for i := 0; i < 4; i++ {
			out[i] = zBase32Alphabet[(bits>>(27-uint(i)*5))&0x1f]
		}
		return string(out)
	case SASTypeB256:
		return fmt.Sprintf("%02x:%02x", value[0], value[1])
	default:
		return ""
	}
}
