//go:build linux

package rtp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setSockOptVoice применяет Linux-специфичные настройки сокета для
// голосового трафика: приоритет, DSCP маркировка, быстрый poll
func setSockOptVoice(fd, dscp int) error {
	// Высокий приоритет сокета для интерактивного аудио.
	// Ошибки игнорируем: в контейнерах эти опции могут быть недоступны.
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_PRIORITY, 6)

	// SO_BUSY_POLL снижает латентность приема (ядро 3.11+), 50 мкс
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_BUSY_POLL, 50)

	if dscp > 0 {
		return setSockOptDSCP(fd, dscp)
	}
	return nil
}

// setSockOptDSCP устанавливает DSCP маркировку для QoS.
// DSCP находится в старших 6 битах TOS поля.
func setSockOptDSCP(fd, dscp int) error {
	tos := dscp << 2

	if err := syscall.SetsockoptInt(fd, syscall.IPPROTO_IP, syscall.IP_TOS, tos); err != nil {
		// В некоторых контейнерах маркировка запрещена, не критично
		return nil
	}

	// Для IPv6 сокетов TOS соответствует Traffic Class
	syscall.SetsockoptInt(fd, syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)

	return nil
}
