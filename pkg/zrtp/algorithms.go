// Package zrtp реализует протокольный движок согласования ключей для
// медиа потоков по модели RFC 6189 (ZRTP). Движок обменивается
// криптографическими параметрами in-band поверх RTP потока, выводит
// SRTP ключи и управляет жизненным циклом защищенных каналов,
// включая multistream режим и процедуру GoClear.
//
// Архитектура основана на принципе разделения ответственности:
//   - Context: state machine одного защищаемого канала
//   - Multistream: привязка дополнительных каналов к master секрету
//   - GoClear: кооперативный переход в открытый режим и обратно
//   - cache: персистентное хранилище доверия к абонентам
//
// Движок не выполняет блокирующий I/O: пакеты и таймерные тики подаются
// владельцем из его планировщика, вся криптография синхронна.
package zrtp

// MaxCryptoTypes максимальное количество алгоритмов в списке предпочтений
// для каждой категории (совместимо с RFC 6189).
const MaxCryptoTypes = 7

// Hash определяет hash алгоритм согласования (RFC 6189 секция 5.1.2)
type Hash int

const (
	HashInvalid Hash = iota
	HashS256
	HashS384
	HashS512
	HashN256
	HashN384
)

// Cipher определяет симметричный шифр SRTP (RFC 6189 секция 5.1.3)
type Cipher int

const (
	CipherInvalid Cipher = iota
	CipherAES1
	CipherAES2
	CipherAES3
	Cipher2FS1
	Cipher2FS2
	Cipher2FS3
)

// AuthTag определяет тип SRTP auth tag (RFC 6189 секция 5.1.4)
type AuthTag int

const (
	AuthTagInvalid AuthTag = iota
	AuthTagHS32
	AuthTagHS80
	AuthTagSK32
	AuthTagSK64
)

// KeyAgreement определяет алгоритм обмена ключами (RFC 6189 секция 5.1.5,
// расширено пост-квантовыми и гибридными вариантами)
type KeyAgreement int

const (
	KeyAgreementInvalid KeyAgreement = iota
	KeyAgreementDH2k
	KeyAgreementDH3k
	KeyAgreementEC25
	KeyAgreementEC38
	KeyAgreementEC52
	KeyAgreementX255
	KeyAgreementX448
	KeyAgreementK255
	KeyAgreementK448
	KeyAgreementKYB1
	KeyAgreementKYB2
	KeyAgreementKYB3
	KeyAgreementHQC1
	KeyAgreementHQC2
	KeyAgreementHQC3
	KeyAgreementK255KYB512
	KeyAgreementK255HQC128
	KeyAgreementK448KYB1024
	KeyAgreementK448HQC256
	KeyAgreementK255KYB512HQC128
	KeyAgreementK448KYB1024HQC256
)

// SASType определяет способ отображения Short Authentication String
// (RFC 6189 секция 5.1.6)
type SASType int

const (
	SASTypeInvalid SASType = iota
	SASTypeB32
	SASTypeB256
)

var hashNames = map[Hash]string{
	HashS256: "S256",
	HashS384: "S384",
	HashS512: "S512",
	HashN256: "N256",
	HashN384: "N384",
}

var cipherNames = map[Cipher]string{
	CipherAES1: "AES1",
	CipherAES2: "AES2",
	CipherAES3: "AES3",
	Cipher2FS1: "2FS1",
	Cipher2FS2: "2FS2",
	Cipher2FS3: "2FS3",
}

var authTagNames = map[AuthTag]string{
	AuthTagHS32: "HS32",
	AuthTagHS80: "HS80",
	AuthTagSK32: "SK32",
	AuthTagSK64: "SK64",
}

var keyAgreementNames = map[KeyAgreement]string{
	KeyAgreementDH2k:              "DH2k",
	KeyAgreementDH3k:              "DH3k",
	KeyAgreementEC25:              "EC25",
	KeyAgreementEC38:              "EC38",
	KeyAgreementEC52:              "EC52",
	KeyAgreementX255:              "X255",
	KeyAgreementX448:              "X448",
	KeyAgreementK255:              "K255",
	KeyAgreementK448:              "K448",
	KeyAgreementKYB1:              "KYB1",
	KeyAgreementKYB2:              "KYB2",
	KeyAgreementKYB3:              "KYB3",
	KeyAgreementHQC1:              "HQC1",
	KeyAgreementHQC2:              "HQC2",
	KeyAgreementHQC3:              "HQC3",
	KeyAgreementK255KYB512:        "K255_KYB512",
	KeyAgreementK255HQC128:        "K255_HQC128",
	KeyAgreementK448KYB1024:       "K448_KYB1024",
	KeyAgreementK448HQC256:        "K448_HQC256",
	KeyAgreementK255KYB512HQC128:  "K255_KYB512_HQC128",
	KeyAgreementK448KYB1024HQC256: "K448_KYB1024_HQC256",
}

var sasTypeNames = map[SASType]string{
	SASTypeB32:  "B32",
	SASTypeB256: "B256",
}

func (h Hash) String() string {
	if name, ok := hashNames[h]; ok {
		return name
	}
	return "INVALID"
}

func (c Cipher) String() string {
	if name, ok := cipherNames[c]; ok {
		return name
	}
	return "INVALID"
}

func (a AuthTag) String() string {
	if name, ok := authTagNames[a]; ok {
		return name
	}
	return "INVALID"
}

func (k KeyAgreement) String() string {
	if name, ok := keyAgreementNames[k]; ok {
		return name
	}
	return "INVALID"
}

func (s SASType) String() string {
	if name, ok := sasTypeNames[s]; ok {
		return name
	}
	return "INVALID"
}

// HashFromString возвращает код hash алгоритма по имени.
// Для неизвестного имени возвращает HashInvalid, никогда не паникует.
func HashFromString(name string) Hash {
	for code, n := range hashNames {
		if n == name {
			return code
		}
	}
	return HashInvalid
}

// CipherFromString возвращает код шифра по имени
func CipherFromString(name string) Cipher {
	for code, n := range cipherNames {
		if n == name {
			return code
		}
	}
	return CipherInvalid
}

// AuthTagFromString возвращает код auth tag по имени
func AuthTagFromString(name string) AuthTag {
	for code, n := range authTagNames {
		if n == name {
			return code
		}
	}
	return AuthTagInvalid
}

// KeyAgreementFromString возвращает код алгоритма обмена ключами по имени
func KeyAgreementFromString(name string) KeyAgreement {
	for code, n := range keyAgreementNames {
		if n == name {
			return code
		}
	}
	return KeyAgreementInvalid
}

// SASTypeFromString возвращает код типа SAS по имени
func SASTypeFromString(name string) SASType {
	for code, n := range sasTypeNames {
		if n == name {
			return code
		}
	}
	return SASTypeInvalid
}

// runtimeKeyAgreements содержит алгоритмы обмена ключами, реально
// доступные в данной сборке. Пост-квантовые варианты перечислены в
// реестре имен, но требуют внешнего KEM провайдера.
var runtimeKeyAgreements = []KeyAgreement{
	KeyAgreementX255,
}

// Available проверяет доступность ZRTP движка в данной сборке
func Available() bool {
	return len(runtimeKeyAgreements) > 0
}

// AvailableKeyAgreements заполняет переданный буфер доступными
// алгоритмами обмена ключами и возвращает их количество.
// Выделение буфера - ответственность вызывающего.
func AvailableKeyAgreements(algos []KeyAgreement) int {
	n := 0
	for _, ka := range runtimeKeyAgreements {
		if n >= len(algos) {
			break
		}
		algos[n] = ka
		n++
	}
	return n
}

// IsPostQuantumAvailable проверяет доступность пост-квантового обмена ключами
func IsPostQuantumAvailable() bool {
	for _, ka := range runtimeKeyAgreements {
		switch ka {
		case KeyAgreementKYB1, KeyAgreementKYB2, KeyAgreementKYB3,
			KeyAgreementHQC1, KeyAgreementHQC2, KeyAgreementHQC3,
			KeyAgreementK255KYB512, KeyAgreementK255HQC128,
			KeyAgreementK448KYB1024, KeyAgreementK448HQC256,
			KeyAgreementK255KYB512HQC128, KeyAgreementK448KYB1024HQC256:
			return true
		}
	}
	return false
}

// isKeyAgreementSupported проверяет что алгоритм реально доступен в сборке
func isKeyAgreementSupported(ka KeyAgreement) bool {
	for _, supported := range runtimeKeyAgreements {
		if supported == ka {
			return true
		}
	}
	return false
}
