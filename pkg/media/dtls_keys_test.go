package media

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/pion/dtls/v2/pkg/crypto/selfsign"

	rtpPkg "github.com/arzzra/secure_media/pkg/rtp"
)

// fakeExporter отдает заранее заданный материал вместо DTLS рукопожатия
type fakeExporter struct {
	material []byte
	label    string
}

func (f *fakeExporter) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	f.label = label
	if length > len(f.material) {
		return nil, fmt.Errorf("материала недостаточно")
	}
	return f.material[:length], nil
}

// TestDTLSSRTPKeysLayout тестирует раскладку экспортированного материала
// Проверяет:
// - Метка экспортера соответствует RFC 5764
// - Клиент отправляет под клиентскими ключами, сервер под серверными
// - send/recv зеркальны между ролями
func TestDTLSSRTPKeysLayout(t *testing.T) {
	material := make([]byte, 60)
	for i := range material {
		material[i] = byte(i)
	}
	exp := &fakeExporter{material: material}

	clientSend, clientRecv, err := DTLSSRTPKeys(exp, true)
	if err != nil {
		t.Fatalf("ошибка вывода ключей клиента: %v", err)
	}
	if exp.label != "EXTRACTOR-dtls_srtp" {
		t.Errorf("метка экспортера %q", exp.label)
	}
	if !bytes.Equal(clientSend.MasterKey, material[0:16]) {
		t.Error("ключ отправки клиента должен быть client_write_key")
	}
	if !bytes.Equal(clientSend.MasterSalt, material[32:46]) {
		t.Error("соль отправки клиента должна быть client_write_salt")
	}
	if !bytes.Equal(clientRecv.MasterKey, material[16:32]) {
		t.Error("ключ приема клиента должен быть server_write_key")
	}
	if !bytes.Equal(clientRecv.MasterSalt, material[46:60]) {
		t.Error("соль приема клиента должна быть server_write_salt")
	}

	serverSend, serverRecv, err := DTLSSRTPKeys(exp, false)
	if err != nil {
		t.Fatalf("ошибка вывода ключей сервера: %v", err)
	}
	if !bytes.Equal(serverSend.MasterKey, clientRecv.MasterKey) ||
		!bytes.Equal(serverRecv.MasterKey, clientSend.MasterKey) {
		t.Error("ключи ролей должны быть зеркальны")
	}
}

// TestDTLSSRTPKeysShortMaterial тестирует ошибку при коротком материале
func TestDTLSSRTPKeysShortMaterial(t *testing.T) {
	exp := &fakeExporter{material: make([]byte, 10)}
	if _, _, err := DTLSSRTPKeys(exp, true); err == nil {
		t.Fatal("ожидалась ошибка при недостаточном материале")
	}
}

// TestDTLSHandshakeKeyExport тестирует полный путь DTLS-SRTP:
// loopback рукопожатие, экспорт материала с обеих сторон,
// установка ключей в сессию с источником dtls-srtp
func TestDTLSHandshakeKeyExport(t *testing.T) {
	cert, err := selfsign.GenerateSelfSigned()
	if err != nil {
		t.Fatalf("ошибка генерации сертификата: %v", err)
	}

	serverCfg := rtpPkg.DefaultDTLSTransportConfig()
	serverCfg.LocalAddr = "127.0.0.1:0"
	serverCfg.DSCP = 0
	serverCfg.Certificates = append(serverCfg.Certificates, cert)
	serverCfg.HandshakeTimeout = 5 * time.Second

	server, err := rtpPkg.NewDTLSTransportServer(serverCfg)
	if err != nil {
		t.Fatalf("ошибка создания сервера: %v", err)
	}
	defer server.Close()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Handshake()
	}()

	clientCfg := rtpPkg.DefaultDTLSTransportConfig()
	clientCfg.RemoteAddr = server.LocalAddr().String()
	clientCfg.DSCP = 0
	clientCfg.InsecureSkipVerify = true
	clientCfg.HandshakeTimeout = 5 * time.Second

	client, err := rtpPkg.NewDTLSTransportClient(clientCfg)
	if err != nil {
		t.Fatalf("ошибка DTLS клиента: %v", err)
	}
	defer client.Close()

	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("ошибка DTLS сервера: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("серверное рукопожатие не завершилось")
	}

	if !client.IsHandshakeComplete() || !server.IsHandshakeComplete() {
		t.Fatal("рукопожатие должно быть завершено с обеих сторон")
	}

	clientSend, clientRecv, err := DTLSSRTPKeys(client, client.IsClient())
	if err != nil {
		t.Fatalf("ошибка вывода ключей клиента: %v", err)
	}
	serverSend, serverRecv, err := DTLSSRTPKeys(server, server.IsClient())
	if err != nil {
		t.Fatalf("ошибка вывода ключей сервера: %v", err)
	}

	if !bytes.Equal(clientSend.MasterKey, serverRecv.MasterKey) ||
		!bytes.Equal(clientSend.MasterSalt, serverRecv.MasterSalt) {
		t.Error("ключ отправки клиента должен совпадать с ключом приема сервера")
	}
	if !bytes.Equal(clientRecv.MasterKey, serverSend.MasterKey) {
		t.Error("ключ приема клиента должен совпадать с ключом отправки сервера")
	}

	// установка в медиа сессию: источник ключей dtls-srtp
	sess, err := NewSession(SessionConfig{SessionID: "dtls"})
	if err != nil {
		t.Fatalf("ошибка создания сессии: %v", err)
	}
	tr := newFakeTransport()
	if err := sess.AddRTPSession("audio", tr); err != nil {
		t.Fatalf("ошибка добавления транспорта: %v", err)
	}
	if err := sess.InstallDTLSKeys(clientSend, clientRecv); err != nil {
		t.Fatalf("ошибка установки DTLS ключей: %v", err)
	}
	state := sess.SecurityState()
	if state.Source != KeySourceDTLS {
		t.Errorf("источник ключей %v, ожидался dtls-srtp", state.Source)
	}
	if state.SendSuite != "AES1/HS80" {
		t.Errorf("неожиданный suite отправки %q", state.SendSuite)
	}
}
