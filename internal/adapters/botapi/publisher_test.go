package botapi

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"telegram-scheduler/internal/domain/content"
	"telegram-scheduler/internal/infra/throttle"

	wraperrors "github.com/go-faster/errors"
	"github.com/mymmrac/telego/telegoapi"
)

func TestCaptionFor(t *testing.T) {
	t.Parallel()

	own := &content.Post{Kind: content.KindPhoto, Caption: "своя подпись", Text: "текст"}
	if got := captionFor(own); got != "своя подпись" {
		t.Fatalf("captionFor = %q, want собственную подпись", got)
	}

	fallback := &content.Post{Kind: content.KindPhoto, Text: "запасной текст"}
	if got := captionFor(fallback); got != "запасной текст" {
		t.Fatalf("captionFor = %q, want текст поста", got)
	}

	long := &content.Post{Kind: content.KindPhoto, Text: strings.Repeat("я", 2000)}
	got := captionFor(long)
	if utf8.RuneCountInString(got) != captionLimit {
		t.Fatalf("подпись должна усекаться до %d символов, got %d", captionLimit, utf8.RuneCountInString(got))
	}
	if !utf8.ValidString(got) {
		t.Fatal("усечение разорвало руну")
	}
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()

	if got := truncateRunes("абвгд", 5); got != "абвгд" {
		t.Fatalf("строка на границе лимита не должна меняться, got %q", got)
	}
	if got := truncateRunes("абвгд", 3); got != "абв" {
		t.Fatalf("truncateRunes = %q, want абв", got)
	}
	if got := truncateRunes("", 3); got != "" {
		t.Fatalf("truncateRunes(\"\") = %q", got)
	}
}

func TestAttachmentName(t *testing.T) {
	t.Parallel()

	cases := map[content.Kind]string{
		content.KindPhoto:    "photo.jpg",
		content.KindVideo:    "video.mp4",
		content.KindAudio:    "audio.mp3",
		content.KindVoice:    "voice.ogg",
		content.KindSticker:  "sticker.webp",
		content.KindDocument: "document.bin",
	}
	for kind, want := range cases {
		if got := attachmentName(kind); got != want {
			t.Fatalf("attachmentName(%q) = %q, want %q", kind, got, want)
		}
	}
}

func TestInputFile(t *testing.T) {
	t.Parallel()

	byID := inputFile(&content.Post{FileID: "CAACAgIAAxk"}, "photo.jpg")
	if byID.FileID != "CAACAgIAAxk" || byID.File != nil {
		t.Fatalf("пост с file_id должен отправляться по идентификатору: %+v", byID)
	}

	byBytes := inputFile(&content.Post{Media: []byte{1, 2, 3}}, "video.mp4")
	if byBytes.File == nil || byBytes.FileID != "" {
		t.Fatalf("пост с байтами должен отправляться загрузкой: %+v", byBytes)
	}
	if byBytes.File.Name() != "video.mp4" {
		t.Fatalf("имя вложения = %q, want video.mp4", byBytes.File.Name())
	}
}

func TestClassifyPermanent(t *testing.T) {
	t.Parallel()

	if classify(nil) != nil {
		t.Fatal("classify(nil) должен быть nil")
	}

	notFound := &telegoapi.Error{ErrorCode: 400, Description: "Bad Request: chat not found"}
	classified := classify(wraperrors.Wrap(notFound, "send photo"))

	var stopper throttle.StopRetryer
	if !errors.As(classified, &stopper) || !stopper.StopRetry() {
		t.Fatalf("4xx должен помечаться StopRetry: %v", classified)
	}
	var unwrapped *telegoapi.Error
	if !errors.As(classified, &unwrapped) {
		t.Fatal("исходная ошибка Bot API должна быть доступна через errors.As")
	}
}

func TestClassifyTransient(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
	}{
		{"429", &telegoapi.Error{ErrorCode: 429, Description: "Too Many Requests"}},
		{"4xx с retry_after", &telegoapi.Error{
			ErrorCode:  420,
			Parameters: &telegoapi.ResponseParameters{RetryAfter: 5},
		}},
		{"5xx", &telegoapi.Error{ErrorCode: 502, Description: "Bad Gateway"}},
		{"сетевая ошибка", errors.New("connection reset")},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			classified := classify(tc.err)
			var stopper throttle.StopRetryer
			if errors.As(classified, &stopper) && stopper.StopRetry() {
				t.Fatalf("временная ошибка помечена постоянной: %v", tc.err)
			}
		})
	}
}

func TestRetryAfterExtractor(t *testing.T) {
	t.Parallel()

	extract := RetryAfterExtractor()

	flood := &telegoapi.Error{
		ErrorCode:  429,
		Parameters: &telegoapi.ResponseParameters{RetryAfter: 17},
	}
	wait, ok := extract(wraperrors.Wrap(flood, "send video"))
	if !ok || wait != 17*time.Second {
		t.Fatalf("extract = (%v, %v), want (17s, true)", wait, ok)
	}

	if _, ok := extract(nil); ok {
		t.Fatal("nil не несёт retry_after")
	}
	if _, ok := extract(errors.New("plain")); ok {
		t.Fatal("обычная ошибка не несёт retry_after")
	}
	if _, ok := extract(&telegoapi.Error{ErrorCode: 429}); ok {
		t.Fatal("429 без parameters не несёт retry_after")
	}
}
