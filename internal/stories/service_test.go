package stories

import (
	"context"
	"errors"
	"testing"

	"github.com/lectio-app/lectio/internal/genai"
)

func sampleDraft() Draft {
	return Draft{
		Prompt:     "un chat",
		Level:      "a1",
		ImageStyle: " watercolor ",
		Title:      "Le chat",
		Paragraphs: []DraftParagraph{
			{Text: "Un chat dort.", Image: genai.Media{MimeType: genai.MimeTypePNG, Data: []byte("png")}},
			{Text: "Il rêve."},
		},
		ImageErrors: []string{"paragraph 2: image generation failed: Content generation failed"},
	}
}

func TestServiceCreateAndGet(t *testing.T) {
	service := newTestStoryService(t, openTestDatabase(t))
	ctx := context.Background()

	created, err := service.Create(ctx, sampleDraft())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID != "story-1" || created.Level != "A1" || created.ImageStyle != "watercolor" {
		t.Fatalf("unexpected created record %+v", created)
	}

	loaded, err := service.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.FullText != "Un chat dort.\n\nIl rêve." {
		t.Fatalf("unexpected full text %q", loaded.FullText)
	}
	if len(loaded.Paragraphs) != 2 || loaded.Paragraphs[0].Image == nil || loaded.Paragraphs[1].Image != nil {
		t.Fatalf("unexpected paragraphs %+v", loaded.Paragraphs)
	}
	if len(loaded.ImageErrors) != 1 || len(loaded.AudioErrors) != 0 {
		t.Fatalf("unexpected error lists %+v %+v", loaded.ImageErrors, loaded.AudioErrors)
	}
}

func TestServiceCreateDefaultsEmptyTitle(t *testing.T) {
	service := newTestStoryService(t, openTestDatabase(t))
	ctx := context.Background()

	draft := sampleDraft()
	draft.Title = "  "
	created, err := service.Create(ctx, draft)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	loaded, err := service.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if created.Title != DefaultTitle || loaded.Title != DefaultTitle {
		t.Fatalf("expected default title, got %q and %q", created.Title, loaded.Title)
	}
}

func TestServiceCreateRejectsInvalidLevel(t *testing.T) {
	service := newTestStoryService(t, openTestDatabase(t))
	draft := sampleDraft()
	draft.Level = "Z9"
	if _, err := service.Create(context.Background(), draft); !errors.Is(err, ErrInvalidLevel) {
		t.Fatalf("expected ErrInvalidLevel, got %v", err)
	}
}

func TestServiceListNewestFirst(t *testing.T) {
	database := openTestDatabase(t)
	service := newTestStoryService(t, database, "story-a", "story-b", "story-c")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := service.Create(ctx, sampleDraft()); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	summaries, err := service.List(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(summaries) != 2 || summaries[0].ID != "story-c" || summaries[1].ID != "story-b" {
		t.Fatalf("unexpected summaries %+v", summaries)
	}
	if summaries[0].Title != "Le chat" || summaries[0].Level != "A1" {
		t.Fatalf("unexpected summary fields %+v", summaries[0])
	}
}

func TestServiceDelete(t *testing.T) {
	service := newTestStoryService(t, openTestDatabase(t))
	ctx := context.Background()

	created, err := service.Create(ctx, sampleDraft())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := service.Delete(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := service.Get(ctx, created.ID); !errors.Is(err, ErrStoryNotFound) {
		t.Fatalf("expected ErrStoryNotFound after delete, got %v", err)
	}
	if err := service.Delete(ctx, created.ID); !errors.Is(err, ErrStoryNotFound) {
		t.Fatalf("expected ErrStoryNotFound on second delete, got %v", err)
	}

	var remaining int64
	if err := service.db.Model(&Paragraph{}).Where("story_id = ?", created.ID).Count(&remaining).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected paragraphs to be deleted, got %d", remaining)
	}
}

func TestServiceAttachParagraphAudio(t *testing.T) {
	service := newTestStoryService(t, openTestDatabase(t))
	ctx := context.Background()

	created, err := service.Create(ctx, sampleDraft())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	audio := genai.Media{MimeType: genai.MimeTypeMPEG, Data: []byte("mp3")}
	if err := service.AttachParagraphAudio(ctx, created.ID, 1, audio); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := service.AttachParagraphAudio(ctx, created.ID, 7, audio); !errors.Is(err, ErrParagraphNotFound) {
		t.Fatalf("expected ErrParagraphNotFound, got %v", err)
	}

	loaded, err := service.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Paragraphs[1].Audio == nil || string(loaded.Paragraphs[1].Audio.Data) != "mp3" {
		t.Fatalf("expected audio on paragraph 2, got %+v", loaded.Paragraphs[1])
	}
	if loaded.Paragraphs[0].Audio != nil {
		t.Fatalf("expected paragraph 1 untouched")
	}
}

func TestNormalizeLevel(t *testing.T) {
	for _, raw := range []string{"a1", " B2 ", "C2"} {
		if _, err := NormalizeLevel(raw); err != nil {
			t.Fatalf("expected %q to be valid: %v", raw, err)
		}
	}
	if _, err := NormalizeLevel("A3"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
