// Package pr — консоль интерактивных команд. Поверх readline с отменяемым
// stdin даёт построчный ввод с приглашением, скрытый ввод секретов и общие
// точки вывода, на которые переключается логгер, чтобы строки журнала не
// рвали редактируемую строку ввода.
package pr

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/go-faster/errors"
	"github.com/kr/pretty"
	"golang.org/x/term"
)

var (
	mu      sync.Mutex
	console *readline.Instance
	// stdinCloser закрывает stdin: активный Readline получает io.EOF.
	stdinCloser io.Closer

	// До Init печатаем напрямую в процессные потоки.
	out    io.Writer = os.Stdout
	errOut io.Writer = os.Stderr
)

// Init поднимает readline и переводит вывод пакета на его буферы.
// Stdin оборачивается в отменяемый дескриптор, чтобы Interrupt мог
// прервать ожидание ввода при остановке по сигналу.
func Init() error {
	cs := readline.NewCancelableStdin(os.Stdin)
	rl, err := readline.NewEx(&readline.Config{Stdin: cs})
	if err != nil {
		_ = cs.Close()
		return err
	}

	mu.Lock()
	console = rl
	stdinCloser = cs
	out = rl.Stdout()
	errOut = rl.Stderr()
	mu.Unlock()
	return nil
}

// Interrupt закрывает stdin. Повторный вызов безвреден.
func Interrupt() {
	mu.Lock()
	cs := stdinCloser
	mu.Unlock()
	if cs != nil {
		_ = cs.Close()
	}
}

// ReadLine выводит приглашение и читает одну строку, обрезая пробелы по краям.
// До Init ввод недоступен.
func ReadLine(prompt string) (string, error) {
	mu.Lock()
	rl := console
	mu.Unlock()
	if rl == nil {
		return "", errors.New("console is not initialized")
	}
	rl.SetPrompt(prompt)
	line, err := rl.Readline()
	return strings.TrimSpace(line), err
}

// ReadSecret читает строку без отображения вводимых символов. Подходит для
// паролей 2FA. После скрытого ввода курсор переводится на новую строку.
func ReadSecret(prompt string) (string, error) {
	Print(prompt)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	Println()
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

// Stdout — текущий поток стандартного вывода. После Init записи идут через
// readline и не портят строку ввода.
func Stdout() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return out
}

// Stderr — текущий поток ошибок.
func Stderr() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return errOut
}

// Print печатает значения в Stdout без перевода строки.
func Print(a ...any) {
	fmt.Fprint(Stdout(), a...)
}

// Println печатает значения в Stdout с переводом строки.
func Println(a ...any) {
	fmt.Fprintln(Stdout(), a...)
}

// Printf печатает отформатированную строку в Stdout.
func Printf(format string, a ...any) {
	fmt.Fprintf(Stdout(), format, a...)
}

// PP печатает развёрнутое представление значения. Используется для отладочного
// вывода структур Telegram целиком.
func PP(v any) {
	fmt.Fprintf(Stdout(), "%# v\n", pretty.Formatter(v))
}
