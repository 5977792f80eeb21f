// Package intake runs the two-phase document flow: classify an upload and
// park it in the file cache behind a token, then extract order data from
// the parked copy when the token comes back.
package intake

import (
	"context"
	"errors"
	"fmt"

	"orderdesk/internal/cache"
	"orderdesk/internal/llm"
	"orderdesk/internal/metrics"
	"orderdesk/internal/token"
	"orderdesk/pkg/logging/logging"

	"go.uber.org/zap"
)

// Upload is a decoded document as received from a client.
type Upload struct {
	Data     []byte
	MIMEType string
	Name     string
}

// ClassifyResult is returned to the client after the first pass.
type ClassifyResult struct {
	llm.Classification
	FileID string `json:"fileId"`
}

type Options struct {
	Limits cache.Limits
	// SingleUse drops the cache entry after a successful extraction.
	SingleUse bool
}

type Service struct {
	store     cache.Store
	codec     token.Codec
	vision    llm.Vision
	limits    cache.Limits
	singleUse bool
}

func New(store cache.Store, codec token.Codec, vision llm.Vision, opts Options) *Service {
	if opts.Limits.MaxItemBytes <= 0 || opts.Limits.MaxTotalBytes <= 0 {
		opts.Limits = cache.DefaultLimits()
	}
	return &Service{
		store:     store,
		codec:     codec,
		vision:    vision,
		limits:    opts.Limits,
		singleUse: opts.SingleUse,
	}
}

// CheckSize rejects a payload of size bytes before it is decoded or read.
func (s *Service) CheckSize(size int64) error {
	return s.limits.CheckSize(size)
}

// MaxItemBytes is the largest document accepted.
func (s *Service) MaxItemBytes() int64 {
	return s.limits.MaxItemBytes
}

// Classify validates the upload, asks the model what it is, and only then
// caches it and issues a token. A failed classification leaves no entry.
func (s *Service) Classify(ctx context.Context, up Upload) (*ClassifyResult, error) {
	doc, err := s.validate(up)
	if err != nil {
		return nil, err
	}

	// Resolve the key before spending a model call.
	if err := s.codec.Ready(); err != nil {
		return nil, err
	}

	class, err := s.vision.Classify(ctx, doc)
	if err != nil {
		return nil, err
	}

	id := cache.GenerateID()
	if err := s.store.Put(ctx, id, cache.File{Data: doc.Data, MIMEType: doc.MIMEType, Name: doc.Name}); err != nil {
		if errors.Is(err, cache.ErrTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	fileID, err := s.codec.Issue(token.Claims{FileID: id, Name: doc.Name, MIMEType: doc.MIMEType})
	if err != nil {
		if derr := s.store.Delete(ctx, id); derr != nil {
			logging.L(ctx).Warn("failed to drop cache entry after token error",
				zap.String("file_id", id), zap.Error(derr))
		}
		return nil, err
	}

	logging.L(ctx).Info("document classified",
		zap.String("file_id", id),
		zap.String("mime_type", doc.MIMEType),
		zap.Int("size_bytes", len(doc.Data)),
		zap.Bool("is_quotation", class.IsQuotation),
		zap.String("document_type", class.DocumentType),
	)

	return &ClassifyResult{Classification: *class, FileID: fileID}, nil
}

// Extract redeems a token and extracts order data from the cached file. A
// rejected token never reaches the cache.
func (s *Service) Extract(ctx context.Context, fileToken string) (*llm.Order, error) {
	claims, err := s.codec.Redeem(fileToken)
	if err != nil {
		if !errors.Is(err, token.ErrInvalidToken) {
			return nil, err
		}
		reason := "invalid"
		if errors.Is(err, token.ErrTokenExpired) {
			reason = "expired"
		}
		metrics.TokenRejectionsTotal.WithLabelValues(reason).Inc()
		logging.L(ctx).Warn("file token rejected", zap.String("reason", reason), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrTokenRejected, err)
	}

	entry, ok, err := s.store.Get(ctx, claims.FileID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if !ok {
		logging.L(ctx).Info("cached file expired", zap.String("file_id", claims.FileID))
		return nil, ErrCacheExpired
	}

	order, err := s.vision.ExtractOrder(ctx, llm.Document{
		Data:     entry.File.Data,
		MIMEType: entry.File.MIMEType,
		Name:     entry.File.Name,
	})
	if err != nil {
		return nil, err
	}

	if s.singleUse {
		if err := s.store.Delete(ctx, claims.FileID); err != nil {
			logging.L(ctx).Warn("failed to drop consumed cache entry",
				zap.String("file_id", claims.FileID), zap.Error(err))
		}
	}

	logging.L(ctx).Info("order extracted",
		zap.String("file_id", claims.FileID),
		zap.Int("items", len(order.Items)),
	)
	return order, nil
}

// ExtractUpload extracts from a document sent inline. The cache is not
// involved.
func (s *Service) ExtractUpload(ctx context.Context, up Upload) (*llm.Order, error) {
	doc, err := s.validate(up)
	if err != nil {
		return nil, err
	}
	return s.vision.ExtractOrder(ctx, doc)
}

// ExtractDrawing reads the title block of a drawing sent inline.
func (s *Service) ExtractDrawing(ctx context.Context, up Upload) (*llm.Drawing, error) {
	doc, err := s.validate(up)
	if err != nil {
		return nil, err
	}
	drawing, err := s.vision.ExtractDrawing(ctx, doc)
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("drawing extracted",
		zap.String("mime_type", doc.MIMEType),
		zap.Int("size_bytes", len(doc.Data)),
		zap.String("confidence", string(drawing.Confidence)),
	)
	return drawing, nil
}

// Stats reports cache occupancy.
func (s *Service) Stats(ctx context.Context) (cache.Stats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return cache.Stats{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return st, nil
}

func (s *Service) validate(up Upload) (llm.Document, error) {
	if len(up.Data) == 0 {
		return llm.Document{}, ErrEmptyFile
	}
	mimeType, err := ResolveMIME(up.MIMEType, up.Data)
	if err != nil {
		return llm.Document{}, err
	}
	if err := s.limits.CheckSize(int64(len(up.Data))); err != nil {
		return llm.Document{}, err
	}
	return llm.Document{Data: up.Data, MIMEType: mimeType, Name: up.Name}, nil
}
