package relay

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/quailyquaily/gemigram/internal/mediagroup"
	"github.com/quailyquaily/gemigram/internal/telegram"
	"github.com/quailyquaily/gemigram/llm"
)

// HandlePhoto answers a single photo right away and buffers album members
// in the aggregator. In groups the caption must pass Decide, except for later
// members of an album an earlier member already opened.
func (r *Relay) HandlePhoto(ctx context.Context, msg *telegram.Message) {
	chatID := msg.Chat.ID
	if !r.cfg.ImagesEnabled {
		r.logger.Debug("telegram_photo_ignored", "chat_id", chatID, "reason", "images_disabled")
		return
	}
	fileID := msg.LargestPhoto()
	if fileID == "" {
		return
	}
	dec := Decide(msg, r.cfg.BotID, r.cfg.Triggers)

	if albumID := strings.TrimSpace(msg.MediaGroupID); albumID != "" {
		key := mediagroup.Key{ChatID: chatID, AlbumID: albumID}
		if !dec.Respond && !r.albums.Has(key) {
			r.logger.Debug("telegram_photo_ignored", "chat_id", chatID, "media_group_id", albumID, "reason", "not_addressed")
			return
		}
		caption := ""
		if dec.Respond {
			caption = dec.Payload
		}
		r.albums.Offer(ctx, key, mediagroup.ImageRef{
			FileID:    fileID,
			Caption:   caption,
			MessageID: msg.MessageID,
		})
		return
	}

	if !dec.Respond {
		r.logger.Debug("telegram_photo_ignored", "chat_id", chatID, "message_id", msg.MessageID, "reason", "not_addressed")
		return
	}
	prompt := dec.Payload
	if prompt == "" {
		prompt = r.cfg.DefaultImagePrompt
	}
	r.logger.Info("telegram_photo_accepted", "chat_id", chatID, "message_id", msg.MessageID, "reason", dec.Reason)

	stopTyping := telegram.StartTyping(ctx, r.api, chatID, r.cfg.TypingInterval)
	defer stopTyping()

	part, err := r.fetchImage(ctx, fileID)
	if err != nil {
		r.logger.Warn("telegram_photo_fetch_error", "chat_id", chatID, "file_id", fileID, "error", err.Error())
		r.reply(ctx, chatID, imageFailedText, msg.MessageID, telegram.ParseModeNone)
		return
	}
	reply, _ := r.Dispatch(ctx, chatID, Prompt{
		Parts:       []llm.Part{llm.Text(prompt), part},
		HistoryText: prompt,
	})
	stopTyping()
	r.deliverReply(ctx, chatID, reply, msg.MessageID)
}

// ProcessAlbum is the aggregator's submit callback: it fetches the buffered
// images, asks the model about all of them at once and replies to the first
// image of the album.
func (r *Relay) ProcessAlbum(ctx context.Context, b mediagroup.Batch) {
	logger := r.logger.With("chat_id", b.Key.ChatID, "media_group_id", b.Key.AlbumID, "batch_id", b.ID)
	chatID := b.Key.ChatID
	replyTo := b.FirstMessageID()

	prompt := ""
	for _, img := range b.Images {
		if c := strings.TrimSpace(img.Caption); c != "" {
			prompt = c
			break
		}
	}
	if prompt == "" {
		prompt = r.cfg.DefaultImagePrompt
	}

	stopTyping := telegram.StartTyping(ctx, r.api, chatID, r.cfg.TypingInterval)
	defer stopTyping()

	parts := []llm.Part{llm.Text(prompt)}
	for i, img := range b.Images {
		if i >= r.cfg.MaxImages {
			logger.Warn("album_cap_reached", "max_images", r.cfg.MaxImages, "buffered", len(b.Images))
			break
		}
		part, err := r.fetchImage(ctx, img.FileID)
		if err != nil {
			logger.Warn("album_image_fetch_error", "file_id", img.FileID, "message_id", img.MessageID, "error", err.Error())
			continue
		}
		parts = append(parts, part)
	}

	fetched := llm.CountImages(parts)
	if fetched == 0 {
		logger.Warn("album_no_images", "buffered", len(b.Images))
		if _, err := r.api.SendText(ctx, chatID, albumFailedText, replyTo, telegram.ParseModeNone); err != nil {
			logger.Warn("album_notice_reply_error", "reply_to", replyTo, "error", err.Error())
			r.reply(ctx, chatID, albumFailedText, 0, telegram.ParseModeNone)
		}
		return
	}
	logger.Info("album_flush", "images", fetched, "buffered", len(b.Images))

	reply, _ := r.Dispatch(ctx, chatID, Prompt{Parts: parts, HistoryText: prompt})
	stopTyping()
	r.deliverReply(ctx, chatID, reply, replyTo)
}

func (r *Relay) notifyOverflow(ctx context.Context, key mediagroup.Key, img mediagroup.ImageRef, max int) {
	r.reply(ctx, key.ChatID, fmt.Sprintf(overflowText, max), img.MessageID, telegram.ParseModeNone)
}

func (r *Relay) fetchImage(ctx context.Context, fileID string) (llm.Part, error) {
	data, err := r.api.GetFileBytes(ctx, fileID)
	if err != nil {
		return llm.Part{}, err
	}
	if len(data) == 0 {
		return llm.Part{}, fmt.Errorf("empty file %s", fileID)
	}
	return llm.Image(data, imageMIMEType(data)), nil
}

// imageMIMEType sniffs the payload; Telegram photos are re-encoded as JPEG,
// so anything unrecognised is sent as such.
func imageMIMEType(data []byte) string {
	mime := http.DetectContentType(data)
	if strings.HasPrefix(mime, "image/") {
		return mime
	}
	return "image/jpeg"
}
