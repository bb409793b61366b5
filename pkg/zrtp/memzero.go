package zrtp

// memzero затирает ключевой материал в памяти.
// Вызывается при разрушении контекста: выведенные секреты принадлежат
// контексту эксклюзивно и не должны переживать его.
func memzero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
