//go:build !linux

package rtp

// setSockOptVoice для платформ без специфичных оптимизаций: no-op
func setSockOptVoice(fd, dscp int) error {
	return nil
}
