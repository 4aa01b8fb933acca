package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/lectio-app/lectio/internal/audiocache"
	"github.com/lectio-app/lectio/internal/genai"
	"github.com/lectio-app/lectio/internal/stories"
	"github.com/lectio-app/lectio/internal/words"
)

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return "story-" + strconv.Itoa(p.next), nil
}

type stubGenerator struct {
	story      genai.GeneratedStory
	writeErr   error
	failImages map[string]error
	defineErr  error
	synthCalls int32
}

func (g *stubGenerator) WriteStory(context.Context, string, string) (genai.GeneratedStory, error) {
	if g.writeErr != nil {
		return genai.GeneratedStory{}, g.writeErr
	}
	return g.story, nil
}

func (g *stubGenerator) Illustrate(_ context.Context, request genai.IllustrationRequest) (genai.Media, error) {
	if err, ok := g.failImages[request.Paragraph]; ok {
		return genai.Media{}, err
	}
	return genai.Media{MimeType: genai.MimeTypePNG, Data: []byte("img")}, nil
}

func (g *stubGenerator) Synthesize(_ context.Context, text string, _ genai.VoiceParams) (genai.Media, error) {
	atomic.AddInt32(&g.synthCalls, 1)
	return genai.Media{MimeType: genai.MimeTypeMPEG, Data: []byte("mp3:" + text)}, nil
}

func (g *stubGenerator) Define(_ context.Context, word, sentence string) (genai.ContextualDefinition, error) {
	if g.defineErr != nil {
		return genai.ContextualDefinition{}, g.defineErr
	}
	return genai.ContextualDefinition{Translation: "cat", Definition: "a small feline seen in: " + sentence}, nil
}

type testServer struct {
	handler   http.Handler
	generator *stubGenerator
	stories   *stories.Service
	realtime  *RealtimeDispatcher
}

func newTestServer(t *testing.T, generator *stubGenerator) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "lectio.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	models := append(words.Models(), stories.Models()...)
	models = append(models, audiocache.Models()...)
	if err := database.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	retry := genai.RetryPolicy{MaxRetries: 1, Delay: time.Millisecond}
	wordService, err := words.NewService(words.ServiceConfig{Database: database, Definer: generator, RetryPolicy: retry})
	if err != nil {
		t.Fatalf("words service: %v", err)
	}
	storyService, err := stories.NewService(stories.ServiceConfig{Database: database, IDProvider: &sequenceIDProvider{}})
	if err != nil {
		t.Fatalf("stories service: %v", err)
	}
	cache, err := audiocache.NewStore(audiocache.StoreConfig{Database: database})
	if err != nil {
		t.Fatalf("audio cache: %v", err)
	}
	assembler, err := stories.NewAssembler(stories.AssemblerConfig{
		Writer:      generator,
		Illustrator: generator,
		Synthesizer: generator,
		AudioCache:  cache,
		Stories:     storyService,
		RetryPolicy: retry,
	})
	if err != nil {
		t.Fatalf("assembler: %v", err)
	}

	server := &testServer{generator: generator, stories: storyService, realtime: NewRealtimeDispatcher()}
	handler, err := NewHTTPHandler(Dependencies{
		Words:             wordService,
		Stories:           storyService,
		Assembler:         assembler,
		AudioCache:        cache,
		Synthesizer:       generator,
		Voice:             "alloy",
		RetryPolicy:       retry,
		Realtime:          server.realtime,
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server.handler = handler
	return server
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload *bytes.Reader
	if body == nil {
		payload = bytes.NewReader(nil)
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		payload = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, payload)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("failed to decode body %q: %v", recorder.Body.String(), err)
	}
	return value
}

func threeParagraphStory() genai.GeneratedStory {
	return genai.GeneratedStory{
		Title:      "Le chat",
		Paragraphs: []string{"Un chat dort.", "Il rêve d'un poisson.", "Il se réveille."},
	}
}

func TestNewHTTPHandlerRequiresServices(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingWordsService) {
		t.Fatalf("expected missing words service, got %v", err)
	}
}

func TestHealthz(t *testing.T) {
	server := newTestServer(t, &stubGenerator{})
	recorder := server.do(t, http.MethodGet, "/healthz", nil)
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestUpsertWordValidatesLevel(t *testing.T) {
	server := newTestServer(t, &stubGenerator{})

	recorder := server.do(t, http.MethodPost, "/words", map[string]any{"word": "Chat", "level": 3})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	record := decodeBody[words.Record](t, recorder)
	if record.Word != "chat" || record.Level != words.LevelKnowWell {
		t.Fatalf("unexpected record %+v", record)
	}

	testCases := []struct {
		name string
		body map[string]any
	}{
		{name: "above range", body: map[string]any{"word": "chat", "level": 6}},
		{name: "below range", body: map[string]any{"word": "chat", "level": -1}},
		{name: "missing level", body: map[string]any{"word": "chat"}},
		{name: "empty word", body: map[string]any{"word": " ", "level": 1}},
		{name: "non integer", body: map[string]any{"word": "chat", "level": "three"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := server.do(t, http.MethodPost, "/words", testCase.body)
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", recorder.Code, recorder.Body.String())
			}
			response := decodeBody[errorResponse](t, recorder)
			if response.Type != validationErrorType || response.Retryable {
				t.Fatalf("unexpected error body %+v", response)
			}
		})
	}

	listed := decodeBody[[]words.Record](t, server.do(t, http.MethodGet, "/words", nil))
	if len(listed) != 1 || listed[0].Level != words.LevelKnowWell {
		t.Fatalf("expected the valid upsert only, got %+v", listed)
	}
}

func TestDefinitionsLifecycle(t *testing.T) {
	server := newTestServer(t, &stubGenerator{})

	recorder := server.do(t, http.MethodPost, "/definitions", map[string]any{
		"word":      "chat",
		"paragraph": "Il pleut. Le chat dort sur le lit. Fin.",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	record := decodeBody[words.Record](t, recorder)
	if len(record.Definitions) != 1 || record.Definitions[0].Sentence != "Le chat dort sur le lit." {
		t.Fatalf("unexpected definitions %+v", record.Definitions)
	}

	recorder = server.do(t, http.MethodDelete, "/definitions", map[string]any{
		"word":     "chat",
		"sentence": "not a stored sentence",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected no-op removal to succeed, got %d", recorder.Code)
	}
	if kept := decodeBody[words.Record](t, recorder); len(kept.Definitions) != 1 {
		t.Fatalf("expected definition to be kept, got %+v", kept.Definitions)
	}

	recorder = server.do(t, http.MethodDelete, "/definitions", map[string]any{
		"word":     "chat",
		"sentence": "Le chat dort sur le lit.",
	})
	if removed := decodeBody[words.Record](t, recorder); recorder.Code != http.StatusOK || len(removed.Definitions) != 0 {
		t.Fatalf("expected definition to be removed, got %d %+v", recorder.Code, removed)
	}
}

func TestAddDefinitionMapsCollaboratorFailure(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		status    int
		kind      genai.Kind
		retryable bool
	}{
		{name: "rate limit", err: &genai.UpstreamError{StatusCode: 429, Err: errors.New("slow down")}, status: http.StatusTooManyRequests, kind: genai.KindRateLimit, retryable: true},
		{name: "billing", err: &genai.UpstreamError{StatusCode: 429, Code: "insufficient_quota", Err: errors.New("quota")}, status: http.StatusPaymentRequired, kind: genai.KindBillingIssue},
		{name: "missing key", err: genai.ErrAPIKeyMissing, status: http.StatusInternalServerError, kind: genai.KindAPIKeyMissing},
		{name: "network", err: errors.New("connection reset by peer"), status: http.StatusBadGateway, kind: genai.KindNetworkError, retryable: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server := newTestServer(t, &stubGenerator{defineErr: testCase.err})
			recorder := server.do(t, http.MethodPost, "/definitions", map[string]any{"word": "chat", "paragraph": "Le chat dort."})
			if recorder.Code != testCase.status {
				t.Fatalf("expected %d, got %d: %s", testCase.status, recorder.Code, recorder.Body.String())
			}
			response := decodeBody[errorResponse](t, recorder)
			if response.Type != string(testCase.kind) || response.Retryable != testCase.retryable || response.Error == "" {
				t.Fatalf("unexpected error body %+v", response)
			}
		})
	}
}

func TestAutoMasterFromParagraph(t *testing.T) {
	server := newTestServer(t, &stubGenerator{})
	server.do(t, http.MethodPost, "/words", map[string]any{"word": "chat", "level": 2})

	recorder := server.do(t, http.MethodPost, "/words/auto-master", map[string]any{"paragraph": "Le chat dort."})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	levels := map[string]words.Level{}
	for _, record := range decodeBody[[]words.Record](t, recorder) {
		levels[record.Word] = record.Level
	}
	if levels["le"] != words.LevelMastered || levels["dort"] != words.LevelMastered {
		t.Fatalf("expected unseen words to be mastered, got %+v", levels)
	}
	if levels["chat"] != words.LevelFamiliar {
		t.Fatalf("expected known word to keep its level, got %+v", levels)
	}
}

func TestWordAudioLookupAndGenerate(t *testing.T) {
	generator := &stubGenerator{}
	server := newTestServer(t, generator)

	if recorder := server.do(t, http.MethodGet, "/word-audio?word=chat", nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before generation, got %d", recorder.Code)
	}

	first := decodeBody[audioResponse](t, server.do(t, http.MethodPost, "/word-audio", map[string]any{"word": "Chat"}))
	if first.Cached || first.Audio.MimeType != genai.MimeTypeMPEG || string(first.Audio.Data) != "mp3:Chat" {
		t.Fatalf("unexpected first response %+v", first)
	}
	second := decodeBody[audioResponse](t, server.do(t, http.MethodPost, "/word-audio", map[string]any{"word": "chat"}))
	if !second.Cached || !bytes.Equal(second.Audio.Data, first.Audio.Data) {
		t.Fatalf("expected cached identical payload, got %+v", second)
	}

	recorder := server.do(t, http.MethodGet, "/word-audio?word=CHAT", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected cached lookup, got %d", recorder.Code)
	}
	if looked := decodeBody[audioResponse](t, recorder); !looked.Cached {
		t.Fatalf("expected cached flag on lookup")
	}
	if calls := atomic.LoadInt32(&generator.synthCalls); calls != 1 {
		t.Fatalf("expected one synthesis, got %d", calls)
	}

	if recorder := server.do(t, http.MethodGet, "/word-audio?word=", nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty word, got %d", recorder.Code)
	}
}

func TestGenerateStoryDegradesMediaFailures(t *testing.T) {
	generator := &stubGenerator{
		story:      threeParagraphStory(),
		failImages: map[string]error{"Il rêve d'un poisson.": genai.ErrNoImagePayload},
	}
	server := newTestServer(t, generator)

	recorder := server.do(t, http.MethodPost, "/generate-story", map[string]any{
		"prompt": "un chat",
		"level":  "A2",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	created := decodeBody[generateStoryResponse](t, recorder)
	if created.ID == "" || len(created.Warnings) != 1 || !strings.HasPrefix(created.Warnings[0], "paragraph 2:") {
		t.Fatalf("unexpected create response %+v", created)
	}

	recorder = server.do(t, http.MethodGet, "/stories/"+created.ID, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected get status %d", recorder.Code)
	}
	story := decodeBody[stories.Record](t, recorder)
	if len(story.Paragraphs) != 3 || story.Paragraphs[1].Image != nil || story.Paragraphs[0].Image == nil {
		t.Fatalf("unexpected stored paragraphs %+v", story.Paragraphs)
	}

	summaries := decodeBody[[]stories.Summary](t, server.do(t, http.MethodGet, "/stories", nil))
	if len(summaries) != 1 || summaries[0].ID != created.ID {
		t.Fatalf("unexpected summaries %+v", summaries)
	}

	if recorder := server.do(t, http.MethodDelete, "/stories/"+created.ID, nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodDelete, "/stories/"+created.ID, nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodGet, "/stories/"+created.ID, nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", recorder.Code)
	}
}

func TestGenerateStoryFailures(t *testing.T) {
	testCases := []struct {
		name      string
		generator *stubGenerator
		body      map[string]any
		status    int
		kind      string
		retryable bool
	}{
		{
			name:      "billing",
			generator: &stubGenerator{writeErr: &genai.UpstreamError{StatusCode: 402, Err: errors.New("payment required")}},
			body:      map[string]any{"prompt": "un chat", "level": "B1"},
			status:    http.StatusPaymentRequired,
			kind:      string(genai.KindBillingIssue),
		},
		{
			name:      "unparseable",
			generator: &stubGenerator{writeErr: genai.ErrUnparseable},
			body:      map[string]any{"prompt": "un chat", "level": "B1"},
			status:    http.StatusBadGateway,
			kind:      string(genai.KindParsingError),
			retryable: true,
		},
		{
			name:      "invalid level",
			generator: &stubGenerator{story: threeParagraphStory()},
			body:      map[string]any{"prompt": "un chat", "level": "D4"},
			status:    http.StatusBadRequest,
			kind:      validationErrorType,
		},
		{
			name:      "missing prompt",
			generator: &stubGenerator{story: threeParagraphStory()},
			body:      map[string]any{"level": "A1"},
			status:    http.StatusBadRequest,
			kind:      validationErrorType,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server := newTestServer(t, testCase.generator)
			recorder := server.do(t, http.MethodPost, "/generate-story", testCase.body)
			if recorder.Code != testCase.status {
				t.Fatalf("expected %d, got %d: %s", testCase.status, recorder.Code, recorder.Body.String())
			}
			response := decodeBody[errorResponse](t, recorder)
			if response.Type != testCase.kind || response.Retryable != testCase.retryable {
				t.Fatalf("unexpected error body %+v", response)
			}
			summaries, err := server.stories.List(context.Background(), 0)
			if err != nil || len(summaries) != 0 {
				t.Fatalf("expected nothing persisted, got %+v %v", summaries, err)
			}
		})
	}
}

func TestTextToSpeechAttachesParagraphAudio(t *testing.T) {
	generator := &stubGenerator{story: threeParagraphStory()}
	server := newTestServer(t, generator)

	created := decodeBody[generateStoryResponse](t, server.do(t, http.MethodPost, "/generate-story", map[string]any{
		"prompt": "un chat",
		"level":  "A1",
	}))

	body := map[string]any{"text": "Un chat dort.", "type": "paragraph", "storyId": created.ID, "paragraphIndex": 0}
	first := decodeBody[audioResponse](t, server.do(t, http.MethodPost, "/tts", body))
	second := decodeBody[audioResponse](t, server.do(t, http.MethodPost, "/tts", body))
	if first.Cached || !second.Cached {
		t.Fatalf("expected miss then hit, got %v then %v", first.Cached, second.Cached)
	}
	if calls := atomic.LoadInt32(&generator.synthCalls); calls != 1 {
		t.Fatalf("expected one synthesis, got %d", calls)
	}

	story, err := server.stories.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get story: %v", err)
	}
	if story.Paragraphs[0].Audio == nil || string(story.Paragraphs[0].Audio.Data) != "mp3:Un chat dort." {
		t.Fatalf("expected audio on paragraph 1, got %+v", story.Paragraphs[0])
	}

	unknownStory := map[string]any{"text": "Il se réveille.", "storyId": "missing", "paragraphIndex": 9}
	if recorder := server.do(t, http.MethodPost, "/tts", unknownStory); recorder.Code != http.StatusOK {
		t.Fatalf("expected best-effort attach to keep 200, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodPost, "/tts", map[string]any{"text": "x", "type": "poem"}); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", recorder.Code)
	}
}

func TestEventStreamEmitsWordChanges(t *testing.T) {
	server := newTestServer(t, &stubGenerator{})
	httpServer := httptest.NewServer(server.handler)
	t.Cleanup(httpServer.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	streamRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, httpServer.URL+"/events", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	upsert, err := http.Post(httpServer.URL+"/words", "application/json", strings.NewReader(`{"word":"chat","level":1}`))
	if err != nil {
		t.Fatalf("upsert request failed: %v", err)
	}
	_ = upsert.Body.Close()
	if upsert.StatusCode != http.StatusOK {
		t.Fatalf("unexpected upsert status: %d", upsert.StatusCode)
	}

	type readResult struct {
		line string
		err  error
	}
	lines := make(chan readResult)
	go func() {
		reader := bufio.NewReader(streamResp.Body)
		for {
			line, err := reader.ReadString('\n')
			select {
			case lines <- readResult{line: line, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	currentEventType := ""
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for realtime event")
		case res := <-lines:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != RealtimeEventWordsChanged {
				continue
			}
			var payload realtimeEventPayload
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if len(payload.Words) != 1 || payload.Words[0] != "chat" || payload.Source != realtimeSourceBackend {
				t.Fatalf("unexpected event payload %+v", payload)
			}
			return
		}
	}
}
