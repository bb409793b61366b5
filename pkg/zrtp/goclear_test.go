package zrtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGoClearFullCycle полный цикл: secure -> cleartext -> secure
func TestGoClearFullCycle(t *testing.T) {
	p := newTestPair(t, nil)
	p.negotiate(t)

	require.Equal(t, ClearStateSecure, p.alice.GoClearState())
	require.NoError(t, p.alice.SendGoClear())
	assert.Equal(t, ClearStateGoClearSent, p.alice.GoClearState())
	p.pump()

	// bob принял запрос, но без подтверждения пользователя остается secure
	assert.Equal(t, ClearStateGoClearReceived, p.bob.GoClearState())
	assert.Equal(t, 0, p.bobBinder.removes)
	assert.False(t, p.alice.PeerAcceptedGoClear())

	// подтверждение пользователя переводит обе стороны в cleartext
	require.NoError(t, p.bob.ConfirmGoClear())
	p.pump()
	assert.Equal(t, ClearStateCleartext, p.alice.GoClearState())
	assert.Equal(t, ClearStateCleartext, p.bob.GoClearState())
	assert.True(t, p.alice.PeerAcceptedGoClear())
	assert.Equal(t, 1, p.aliceBinder.removes)
	assert.Equal(t, 1, p.bobBinder.removes)

	// владельцы уведомлены о снятии шифрования
	state, ok := p.aliceBinder.lastState()
	require.True(t, ok)
	assert.False(t, state)

	// возврат в защищенный режим без повторного обмена ключами
	require.NoError(t, p.alice.BackToSecureMode())
	p.pump()
	assert.Equal(t, ClearStateSecure, p.alice.GoClearState())
	assert.Equal(t, ClearStateSecure, p.bob.GoClearState())
	assert.Equal(t, 2, p.aliceBinder.installs)
	assert.Equal(t, 2, p.bobBinder.installs)

	// переустановлены те же ключи
	assert.Equal(t, p.aliceBinder.send.MasterKey, p.bobBinder.recv.MasterKey)
	state, _ = p.aliceBinder.lastState()
	assert.True(t, state)
}

// TestGoClearResponderNeverAutomatic ответчик не переходит в cleartext
// без явного подтверждения пользователя
func TestGoClearResponderNeverAutomatic(t *testing.T) {
	p := newTestPair(t, nil)
	p.negotiate(t)

	require.NoError(t, p.alice.SendGoClear())
	p.pump()
	p.pump()

	assert.Equal(t, ClearStateGoClearReceived, p.bob.GoClearState())
	assert.Equal(t, 0, p.bobBinder.removes)
	assert.Equal(t, ClearStateGoClearSent, p.alice.GoClearState())
}

// TestGoClearDisabled GoClear отклоняется конфигурацией
func TestGoClearDisabled(t *testing.T) {
	p := newTestPair(t, func(alice, bob *Config) {
		alice.AcceptGoClear = false
	})
	p.negotiate(t)

	err := p.alice.SendGoClear()
	require.Error(t, err)
	var zrtpErr *Error
	require.ErrorAs(t, err, &zrtpErr)
	assert.Equal(t, ErrorCodeGoClearDisabled, zrtpErr.Code)
}

// TestGoClearPeerDisabled абонент с выключенным GoClear отвечает ошибкой,
// но канал остается защищенным
func TestGoClearPeerDisabled(t *testing.T) {
	p := newTestPair(t, func(alice, bob *Config) {
		bob.AcceptGoClear = false
	})
	p.negotiate(t)

	require.NoError(t, p.alice.SendGoClear())
	p.pump()

	// bob остался в защищенном режиме
	assert.Equal(t, ClearStateSecure, p.bob.GoClearState())
	assert.Equal(t, 0, p.bobBinder.removes)
	assert.Equal(t, StateSecured, p.bob.State())
}

// TestGoClearBeforeSecured GoClear до завершения согласования отклоняется
func TestGoClearBeforeSecured(t *testing.T) {
	p := newTestPair(t, nil)
	require.NoError(t, p.alice.StartChannel())

	err := p.alice.SendGoClear()
	require.Error(t, err)
	var zrtpErr *Error
	require.ErrorAs(t, err, &zrtpErr)
	assert.Equal(t, ErrorCodeNotSecured, zrtpErr.Code)

	err = p.alice.ConfirmGoClear()
	require.Error(t, err)

	err = p.alice.BackToSecureMode()
	require.Error(t, err)
	require.ErrorAs(t, err, &zrtpErr)
	assert.Equal(t, ErrorCodeNotCleartext, zrtpErr.Code)
}

// TestBackToSecureRequiresCleartext возврат возможен только из cleartext
func TestBackToSecureRequiresCleartext(t *testing.T) {
	p := newTestPair(t, nil)
	p.negotiate(t)

	err := p.alice.BackToSecureMode()
	require.Error(t, err)
	var zrtpErr *Error
	require.ErrorAs(t, err, &zrtpErr)
	assert.Equal(t, ErrorCodeNotCleartext, zrtpErr.Code)
}
