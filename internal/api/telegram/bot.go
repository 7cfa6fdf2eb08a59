package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"anomaly-view/internal/domain/entity"
	"anomaly-view/internal/logger"
)

const (
	msgStart = `👋 Hi! I look for anomalies on product photos.

📸 Send me a photo (or an image file) of the product, then /analyze.

📋 Commands:
/analyze — analyze the current image
/theme — switch highlight colours (light/dark)
/reset — forget the current image
/help — help`

	msgHelp = `ℹ️ How to use:

1️⃣ Send a product photo or a JPEG/PNG file
2️⃣ Send /analyze
3️⃣ You get the photo with highlighted anomalies and their list

💡 Tips:
• Shoot in good light
• Use a plain background
• Keep the photo sharp`

	msgImageAccepted  = "✅ Image received%s. Send /analyze to look for anomalies."
	msgAnalyzing      = "⏳ Analyzing image..."
	msgInProgress     = "⏳ Analysis is already running, please wait."
	msgSendPhoto      = "📸 Please send a product photo or an image file."
	msgUnknownCommand = "❓ Unknown command. Use /help."
	msgCleared        = "🧹 Cleared. Send a new photo."
	msgTheme          = "🎨 Theme: %s."
	msgInternal       = "⚠️ Something went wrong. Please try again."
)

// captionLimit: ограничение Telegram на подпись к фото.
const captionLimit = 1024

// Views: операции экрана, которые нужны боту.
type Views interface {
	Open(ctx context.Context, sessionID string, chatID int64) (entity.ViewState, error)
	Drop(ctx context.Context, sessionID string, files []entity.CandidateFile) (entity.ViewState, error)
	RejectUpload(ctx context.Context, sessionID string) (entity.ViewState, error)
	ToggleTheme(ctx context.Context, sessionID string) (entity.ViewState, error)
	Reset(ctx context.Context, sessionID string) (entity.ViewState, error)
	Analyze(ctx context.Context, sessionID string) (<-chan entity.ViewState, error)
	Overlay(ctx context.Context, sessionID string) ([]byte, string, error)
	Describe(ctx context.Context, sessionID string) (string, error)
}

// botAPI: часть tgbotapi.BotAPI, которой пользуются обработчики.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Options: настройки бота.
type Options struct {
	MaxFileBytes int64
}

// Bot представляет Telegram-бота. Каждому чату соответствует своя сессия экрана.
type Bot struct {
	client *tgbotapi.BotAPI
	api    botAPI
	views  Views
	http   *http.Client
	opts   Options

	wg sync.WaitGroup
}

// NewBot создаёт нового бота
func NewBot(token string, views Views, opts Options) (*Bot, error) {
	client, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	logger.Info("telegram: authorized on account %s", client.Self.UserName)

	b := newBot(client, views, opts)
	b.client = client
	return b, nil
}

func newBot(api botAPI, views Views, opts Options) *Bot {
	return &Bot{
		api:   api,
		views: views,
		http:  &http.Client{Timeout: time.Minute},
		opts:  opts,
	}
}

// Run обрабатывает сообщения до отмены ctx и ждёт отправки начатых анализов.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.client.GetUpdatesChan(u)
	defer b.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			b.client.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			b.handleMessage(ctx, update.Message)
		}
	}
}

func sessionID(chatID int64) string {
	return fmt.Sprintf("tg-%d", chatID)
}

// handleMessage обрабатывает входящее сообщение
func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if _, err := b.views.Open(ctx, sessionID(chatID), chatID); err != nil {
		logger.Error("telegram: open session for chat %d: %v", chatID, err)
		return
	}

	switch {
	case msg.IsCommand():
		b.handleCommand(ctx, msg)
	case len(msg.Photo) > 0:
		b.handlePhoto(ctx, msg)
	case msg.Document != nil:
		b.handleDocument(ctx, msg)
	default:
		b.sendMessage(chatID, msgSendPhoto)
	}
}

// handleCommand обрабатывает команды бота
func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	id := sessionID(chatID)

	switch msg.Command() {
	case "start":
		b.sendMessage(chatID, msgStart)

	case "help":
		b.sendMessage(chatID, msgHelp)

	case "analyze":
		b.handleAnalyze(ctx, chatID)

	case "theme":
		st, err := b.views.ToggleTheme(ctx, id)
		if err != nil {
			b.sendError(chatID, err)
			return
		}
		b.sendMessage(chatID, fmt.Sprintf(msgTheme, st.Theme))

	case "reset":
		if _, err := b.views.Reset(ctx, id); err != nil {
			b.sendError(chatID, err)
			return
		}
		b.sendMessage(chatID, msgCleared)

	default:
		b.sendMessage(chatID, msgUnknownCommand)
	}
}

// handlePhoto принимает фото с максимальным разрешением. Telegram
// пересжимает фото в JPEG.
func (b *Bot) handlePhoto(ctx context.Context, msg *tgbotapi.Message) {
	photo := msg.Photo[len(msg.Photo)-1]
	b.drop(ctx, msg.Chat.ID, photo.FileID, int64(photo.FileSize), "photo.jpg", "image/jpeg")
}

// handleDocument принимает файл; тип берётся из заявленного MIME.
func (b *Bot) handleDocument(ctx context.Context, msg *tgbotapi.Message) {
	doc := msg.Document
	b.drop(ctx, msg.Chat.ID, doc.FileID, int64(doc.FileSize), doc.FileName, doc.MimeType)
}

func (b *Bot) drop(ctx context.Context, chatID int64, fileID string, size int64, name, mediaType string) {
	id := sessionID(chatID)

	if b.opts.MaxFileBytes > 0 && size > b.opts.MaxFileBytes {
		_, err := b.views.RejectUpload(ctx, id)
		b.sendError(chatID, err)
		return
	}

	file := entity.CandidateFile{Name: name, MediaType: mediaType}
	if file.IsImage() {
		data, err := b.downloadFile(ctx, fileID)
		if err != nil {
			logger.Error("telegram: download %s for chat %d: %v", fileID, chatID, err)
			b.sendMessage(chatID, msgInternal)
			return
		}
		file.Data = data
	}

	st, err := b.views.Drop(ctx, id, []entity.CandidateFile{file})
	if err != nil {
		b.sendError(chatID, err)
		return
	}

	dims := ""
	if st.Image != nil && st.Image.Width > 0 {
		dims = fmt.Sprintf(" (%d×%d)", st.Image.Width, st.Image.Height)
	}
	b.sendMessage(chatID, fmt.Sprintf(msgImageAccepted, dims))
}

func (b *Bot) handleAnalyze(ctx context.Context, chatID int64) {
	id := sessionID(chatID)

	done, err := b.views.Analyze(ctx, id)
	if err != nil {
		b.sendError(chatID, err)
		return
	}
	b.sendMessage(chatID, msgAnalyzing)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		st, ok := <-done
		if !ok {
			return
		}
		b.sendResult(context.WithoutCancel(ctx), chatID, st)
	}()
}

// sendResult отправляет итог анализа: ошибку или фото с подсветкой и список.
func (b *Bot) sendResult(ctx context.Context, chatID int64, st entity.ViewState) {
	if st.Error != "" {
		b.sendMessage(chatID, "⚠️ "+st.Error)
		return
	}

	id := sessionID(chatID)
	text, err := b.views.Describe(ctx, id)
	if err != nil {
		logger.Error("telegram: describe for chat %d: %v", chatID, err)
		text = ""
	}

	data, mediaType, err := b.views.Overlay(ctx, id)
	if err != nil {
		logger.Error("telegram: overlay for chat %d: %v", chatID, err)
		if text != "" {
			b.sendMessage(chatID, text)
		}
		return
	}

	caption, rest := splitCaption(text)
	file := tgbotapi.FileBytes{Name: "anomalies" + extension(mediaType), Bytes: data}

	var c tgbotapi.Chattable
	if mediaType == "image/webp" {
		doc := tgbotapi.NewDocument(chatID, file)
		doc.Caption = caption
		c = doc
	} else {
		photo := tgbotapi.NewPhoto(chatID, file)
		photo.Caption = caption
		c = photo
	}
	if _, err := b.api.Send(c); err != nil {
		logger.Error("telegram: send overlay to chat %d: %v", chatID, err)
	}
	if rest != "" {
		b.sendMessage(chatID, rest)
	}
}

// splitCaption помещает в подпись сколько влезает по целым строкам.
func splitCaption(text string) (caption, rest string) {
	if utf8.RuneCountInString(text) <= captionLimit {
		return text, ""
	}
	lines := strings.Split(text, "\n")
	n := 0
	for i, line := range lines {
		n += utf8.RuneCountInString(line) + 1
		if n > captionLimit {
			return strings.Join(lines[:i], "\n"), strings.Join(lines[i:], "\n")
		}
	}
	return text, ""
}

func extension(mediaType string) string {
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

// downloadFile скачивает файл из Telegram
func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	fileURL, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: status %s", resp.Status)
	}

	var body io.Reader = resp.Body
	if b.opts.MaxFileBytes > 0 {
		body = io.LimitReader(resp.Body, b.opts.MaxFileBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	return data, nil
}

func (b *Bot) sendError(chatID int64, err error) {
	switch {
	case errors.Is(err, entity.ErrAnalysisInProgress):
		b.sendMessage(chatID, msgInProgress)
	case entity.UserMessage(err) != "":
		b.sendMessage(chatID, "⚠️ "+entity.UserMessage(err))
	default:
		logger.Error("telegram: chat %d: %v", chatID, err)
		b.sendMessage(chatID, msgInternal)
	}
}

// sendMessage отправляет текстовое сообщение
func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		logger.Error("telegram: send message to chat %d: %v", chatID, err)
	}
}
