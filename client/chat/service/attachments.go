package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"buddy_client/client/chat/domain"
	commonlog "buddy_client/client/common/log"
	"buddy_client/client/gateway"
)

const (
	maxImageEdge   = 1280
	jpegQuality    = 85
	maxImageSource = 20 << 20
)

// ObjectStore uploads attachment bytes and returns a URL the peer can load.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
}

// WithAttachments enables SendImage.
func (s *Synchronizer) WithAttachments(store ObjectStore) *Synchronizer {
	s.objects = store
	return s
}

// SendImage downsizes the image to fit within maxImageEdge, uploads it as
// JPEG and sends its URL as an image message.
func (s *Synchronizer) SendImage(ctx context.Context, peerID, name string, r io.Reader) (domain.Message, error) {
	if s.objects == nil {
		return domain.Message{}, gateway.NewError(gateway.KindValidation, "Attachments are not configured.")
	}
	self := s.identity.UserID()
	if self == "" {
		return domain.Message{}, gateway.NewError(gateway.KindUnauthorized, "Not logged in.")
	}
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return domain.Message{}, gateway.NewError(gateway.KindValidation, "Conversation peer is required.")
	}

	img, err := imaging.Decode(io.LimitReader(r, maxImageSource), imaging.AutoOrientation(true))
	if err != nil {
		return domain.Message{}, gateway.NewError(gateway.KindValidation, "Unsupported image.")
	}
	if b := img.Bounds(); b.Dx() > maxImageEdge || b.Dy() > maxImageEdge {
		img = imaging.Fit(img, maxImageEdge, maxImageEdge, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return domain.Message{}, gateway.NewError(gateway.KindValidation, "Unsupported image.")
	}

	pair := domain.Pair{Self: self, Peer: peerID}
	key := fmt.Sprintf("chat/%s/%s%s.jpg", strings.ReplaceAll(pair.Key(), ":", "-"), uuid.NewString(), objectSuffix(name))
	url, err := s.objects.Put(ctx, key, &buf, int64(buf.Len()), "image/jpeg")
	if err != nil {
		commonlog.Errorf("event=chat_sync action=upload_image status=failed key=%s error=%v", key, err)
		return domain.Message{}, gateway.NewError(gateway.KindServer, "Image upload failed. Please try again.")
	}
	commonlog.Infof("event=chat_sync action=upload_image status=ok key=%s bytes=%d", key, buf.Len())
	return s.Send(ctx, peerID, url, domain.TypeImage)
}

// objectSuffix turns the original file name into a safe key suffix.
func objectSuffix(name string) string {
	base := strings.TrimSuffix(filepath.Base(strings.TrimSpace(name)), filepath.Ext(name))
	clean := strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_') {
			return r
		}
		return -1
	}, base)
	if clean == "" || clean == "." {
		return ""
	}
	if len(clean) > 40 {
		clean = clean[:40]
	}
	return "-" + clean
}
