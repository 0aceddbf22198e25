// Команда sessiongen интерактивно выполняет вход в аккаунт Telegram и сохраняет
// строковый креденшел MTProto-сессии в {SESSIONS_DIR}/session_string.txt.
// Полученную строку привязывают к арендатору, после чего планировщик читает
// каналы-доноры от имени этого аккаунта.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-faster/errors"
	tdsession "github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"telegram-scheduler/internal/infra/config"
	"telegram-scheduler/internal/infra/logger"
	"telegram-scheduler/internal/infra/pr"
	"telegram-scheduler/internal/infra/storage"
)

// sessionFileName — имя файла с последним сгенерированным креденшелом.
const sessionFileName = "session_string.txt"

func main() {
	if err := pr.Init(); err != nil {
		logger.Fatal("failed to init console", zap.Error(err))
	}

	envPath := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	logger.Init(config.Env().LogLevel)
	logger.SetWriters(pr.Stdout(), pr.Stderr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// По сигналу закрываем stdin: readline получает EOF и ввод прерывается.
	undo := context.AfterFunc(ctx, pr.Interrupt)
	defer undo()

	if err := generate(ctx); err != nil {
		logger.Fatal("session generation failed", zap.Error(err))
	}
}

// generate проводит полный сценарий: телефон, код, 2FA, выгрузка снимка сессии
// и атомарная запись креденшела на диск.
func generate(ctx context.Context) error {
	env := config.Env()

	phone, err := pr.ReadLine("Phone number (E.164, e.g. +79991234567): ")
	if err != nil {
		return errors.Wrap(err, "read phone")
	}
	if phone == "" {
		return errors.New("phone number is required")
	}

	sessionStore := &tdsession.StorageMemory{}
	client := telegram.NewClient(env.APIID, env.APIHash, telegram.Options{
		SessionStorage: sessionStore,
	})
	flow := auth.NewFlow(consoleAuthenticator{phone: phone}, auth.SendCodeOptions{})

	var credential string
	runErr := client.Run(ctx, func(ctx context.Context) error {
		if authErr := client.Auth().IfNecessary(ctx, flow); authErr != nil {
			return errors.Wrap(authErr, "auth")
		}
		self, selfErr := client.Self(ctx)
		if selfErr != nil {
			return errors.Wrap(selfErr, "self")
		}
		pr.Printf("Logged in as %s %s (@%s, id %d)\n",
			self.FirstName, self.LastName, self.Username, self.ID)
		if logger.IsDebugEnabled() {
			pr.PP(self)
		}

		raw, loadErr := sessionStore.LoadSession(ctx)
		if loadErr != nil {
			return errors.Wrap(loadErr, "load session snapshot")
		}
		credential = base64.StdEncoding.EncodeToString(raw)
		return nil
	})
	if runErr != nil {
		return runErr
	}

	path := filepath.Join(env.SessionsDir, sessionFileName)
	if writeErr := storage.AtomicWriteFile(path, []byte(credential+"\n")); writeErr != nil {
		return errors.Wrap(writeErr, "write session file")
	}

	pr.Printf("Session string saved to %s\n", path)
	pr.Println(credential)
	return nil
}

// consoleAuthenticator реализует auth.UserAuthenticator поверх общего readline.
// Рассчитан на вход в существующий аккаунт: номер задан заранее, код приходит
// из Telegram, пароль 2FA читается без эха.
type consoleAuthenticator struct {
	phone string
}

// Phone возвращает заранее собранный номер. Формат не проверяется; ожидается E.164.
func (c consoleAuthenticator) Phone(_ context.Context) (string, error) {
	return c.phone, nil
}

// Code запрашивает код подтверждения у пользователя.
func (c consoleAuthenticator) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	return pr.ReadLine("Enter the code from Telegram: ")
}

// Password считывает пароль двухфакторной аутентификации без отображения ввода.
func (c consoleAuthenticator) Password(_ context.Context) (string, error) {
	return pr.ReadSecret("Enter 2FA password: ")
}

// AcceptTermsOfService показывает текст условий и требует явного согласия.
func (c consoleAuthenticator) AcceptTermsOfService(_ context.Context, tos tg.HelpTermsOfService) error {
	pr.Printf("Telegram Terms of Service: %s\n", tos.Text)
	resp, err := pr.ReadLine("Do you accept? (y/n): ")
	if err != nil {
		return err
	}
	if resp != "y" && resp != "Y" {
		return errors.New("terms of service were not accepted")
	}
	return nil
}

// SignUp отклоняется: генератор работает только с существующими аккаунтами.
func (c consoleAuthenticator) SignUp(_ context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errors.New("account is not registered; sign up in the official client first")
}
