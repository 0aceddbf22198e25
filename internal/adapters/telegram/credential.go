package telegram

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/go-faster/errors"
	tdsession "github.com/gotd/td/session"
)

// fingerprintLen — длина усечённого отпечатка креденшела в hex-символах.
// Отпечаток служит ключом кэша сессий и именем файла кэша пиров.
const fingerprintLen = 12

// credentialFingerprint возвращает короткий стабильный отпечаток креденшела.
// Сам креденшел в журналы и имена файлов не попадает.
func credentialFingerprint(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// sessionStorage строит хранилище MTProto-сессии из строкового креденшела.
// Поддерживаются два формата: строковая сессия Telethon (их умеет читать gotd)
// и base64 от родного JSON-снимка gotd — такие выдаёт sessiongen.
func sessionStorage(ctx context.Context, credential string) (tdsession.Storage, error) {
	cred := strings.TrimSpace(credential)
	if cred == "" {
		return nil, errors.New("empty credential")
	}

	storage := &tdsession.StorageMemory{}
	if data, err := tdsession.TelethonSession(cred); err == nil {
		loader := tdsession.Loader{Storage: storage}
		if err := loader.Save(ctx, data); err != nil {
			return nil, errors.Wrap(err, "import telethon session")
		}
		return storage, nil
	}

	raw, err := base64.StdEncoding.DecodeString(cred)
	if err != nil {
		return nil, errors.New("unrecognized credential format")
	}
	if err := storage.StoreSession(ctx, raw); err != nil {
		return nil, errors.Wrap(err, "seed session storage")
	}
	return storage, nil
}
