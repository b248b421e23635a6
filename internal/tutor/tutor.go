package tutor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/ent0n29/cumeo/internal/observability"
)

// ConnectionError is the reply shown when the teacher model cannot be reached.
const ConnectionError = "Lỗi kết nối!"

var ErrEmptyResponse = errors.New("model returned no content")

// Generator is the subset of genai.Models the helpers need.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Models struct {
	Flash string
	Pro   string
	Image string
}

func DefaultModels() Models {
	return Models{
		Flash: "gemini-3-flash-preview",
		Pro:   "gemini-3-pro-preview",
		Image: "gemini-2.5-flash-image",
	}
}

type GameQuestion struct {
	Question     string   `json:"question"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
	Hint         string   `json:"hint"`
}

type VocabCard struct {
	Word        string `json:"word"`
	Meaning     string `json:"meaning"`
	Sentence    string `json:"sentence"`
	ImagePrompt string `json:"imagePrompt"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

type WritingCorrection struct {
	Original    string `json:"original"`
	Suggestion  string `json:"suggestion"`
	Explanation string `json:"explanation"`
	// Type is SPELLING, VOCABULARY or GRAMMAR.
	Type string `json:"type"`
}

type WritingAnalysis struct {
	FullText    string              `json:"fullText"`
	Corrections []WritingCorrection `json:"corrections"`
}

type ImageAnalysisResult struct {
	Subjects   []string `json:"subjects"`
	Locations  []string `json:"locations"`
	Actions    []string `json:"actions"`
	Adjectives []string `json:"adjectives"`
	Sentences  []string `json:"sentences"`
}

// MindMapBranch is one main idea of an outline and its sub ideas.
type MindMapBranch struct {
	Main string   `json:"main"`
	Subs []string `json:"subs"`
}

type ForestGameSession struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// Service runs the one-shot tutoring helpers. Every helper degrades to an
// empty value (or ConnectionError for TeacherReply) when the model call or
// its decoding fails; the failure is logged and counted.
type Service struct {
	gen     Generator
	models  Models
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewService(gen Generator, models Models, logger *slog.Logger, metrics *observability.Metrics) *Service {
	defaults := DefaultModels()
	if models.Flash == "" {
		models.Flash = defaults.Flash
	}
	if models.Pro == "" {
		models.Pro = defaults.Pro
	}
	if models.Image == "" {
		models.Image = defaults.Image
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		gen:     gen,
		models:  models,
		logger:  logger.With("component", "tutor"),
		metrics: metrics,
	}
}

func (s *Service) Models() Models { return s.models }

// GameQuestions builds a multiple choice quiz for grades 1 to 5.
func (s *Service) GameQuestions(ctx context.Context, grade, count int) []GameQuestion {
	if count <= 0 {
		count = 5
	}
	goal, ok := gradeInstructions[grade]
	if !ok {
		goal = gradeInstructions[3]
	}
	prompt := fmt.Sprintf("Hãy tạo bộ %d câu hỏi trắc nghiệm Tiếng Việt cho học sinh LỚP %d. Mục tiêu: %s.", count, grade, goal)
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema: arrayOf(objectSchema(map[string]*genai.Schema{
			"question":     {Type: genai.TypeString},
			"options":      {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
			"correctIndex": {Type: genai.TypeInteger},
			"hint":         {Type: genai.TypeString},
		}, "question", "options", "correctIndex", "hint")),
	}
	var out []GameQuestion
	if err := s.generateJSON(ctx, "game_questions", s.models.Flash, textContents(prompt), config, &out); err != nil {
		return []GameQuestion{}
	}
	return out
}

// AnalyzeWriting grades a photographed page of handwriting.
func (s *Service) AnalyzeWriting(ctx context.Context, jpeg []byte) *WritingAnalysis {
	prompt := "Hãy chấm bài trong ảnh này như một giáo viên vùng cao thực thụ."
	config := &genai.GenerateContentConfig{
		ResponseMIMEType:  "application/json",
		SystemInstruction: genai.NewContentFromText(TeacherSystemPrompt, genai.RoleUser),
	}
	var out WritingAnalysis
	if err := s.generateJSON(ctx, "analyze_writing", s.models.Pro, imageContents(jpeg, prompt), config, &out); err != nil {
		return nil
	}
	return &out
}

// MindMap draws an outline as a picture and returns it as a data URL.
func (s *Service) MindMap(ctx context.Context, subject string, structure []MindMapBranch) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A whimsical, educational mind map for children. Central: %q. Vibrant watercolor style.", strings.ToUpper(subject))
	if len(structure) > 0 {
		b.WriteString(" Branches:")
		for _, branch := range structure {
			fmt.Fprintf(&b, "\n- %s (%s)", branch.Main, strings.Join(branch.Subs, ", "))
		}
	}
	return s.generateImage(ctx, "mind_map", b.String(), "16:9")
}

// TeacherReply answers a teacher's free-form request about a piece of text.
func (s *Service) TeacherReply(ctx context.Context, input, taskContext string) string {
	prompt := fmt.Sprintf("Yêu cầu: %s\n\nNội dung: %q", taskContext, input)
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(TeacherSystemPrompt, genai.RoleUser),
	}
	text, err := s.generateText(ctx, "teacher_reply", s.models.Pro, textContents(prompt), config)
	if err != nil {
		return ConnectionError
	}
	return text
}

// VocabularyCards suggests four richer words for a topic.
func (s *Service) VocabularyCards(ctx context.Context, topic string) []VocabCard {
	prompt := fmt.Sprintf("Tìm 4 từ vựng Tiếng Việt hay hơn cho: %q. Phong cách: Tranh màu nước thiếu nhi.", topic)
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema: arrayOf(objectSchema(map[string]*genai.Schema{
			"word":        {Type: genai.TypeString},
			"meaning":     {Type: genai.TypeString},
			"sentence":    {Type: genai.TypeString},
			"imagePrompt": {Type: genai.TypeString},
		}, "word", "meaning", "sentence", "imagePrompt")),
	}
	var out []VocabCard
	if err := s.generateJSON(ctx, "vocabulary_cards", s.models.Flash, textContents(prompt), config, &out); err != nil {
		return []VocabCard{}
	}
	return out
}

// Illustration paints a square storybook picture for a prompt.
func (s *Service) Illustration(ctx context.Context, prompt string) string {
	return s.generateImage(ctx, "illustration", "A beautiful watercolor storybook illustration for children: "+prompt, "1:1")
}

// ImageIdeas suggests writing material from a photo.
func (s *Service) ImageIdeas(ctx context.Context, jpeg []byte) *ImageAnalysisResult {
	config := &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}
	var out ImageAnalysisResult
	if err := s.generateJSON(ctx, "image_ideas", s.models.Flash, imageContents(jpeg, "Gợi ý ý tưởng viết văn từ ảnh."), config, &out); err != nil {
		return nil
	}
	return &out
}

// GameChallenge returns a free-form challenge for the forest game.
func (s *Service) GameChallenge(ctx context.Context, challengeType, monsterName string) map[string]any {
	prompt := fmt.Sprintf("Tạo một thử thách loại %s cho linh thú %q.", challengeType, monsterName)
	config := &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}
	var out map[string]any
	if err := s.generateJSON(ctx, "game_challenge", s.models.Flash, textContents(prompt), config, &out); err != nil {
		return nil
	}
	return out
}

func NewForestGameSession() ForestGameSession {
	return ForestGameSession{ID: uuid.NewString(), Timestamp: time.Now().UTC()}
}

func (s *Service) generateJSON(ctx context.Context, op, model string, contents []*genai.Content, config *genai.GenerateContentConfig, out any) error {
	text, err := s.generateText(ctx, op, model, contents, config)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		s.logger.Warn("tutor response is not valid json", "operation", op, "error", err)
		s.metrics.ObserveTutorRequest(op, "decode_error", 0)
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func (s *Service) generateText(ctx context.Context, op, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (string, error) {
	resp, err := s.call(ctx, op, model, contents, config)
	if err != nil {
		return "", err
	}
	text := extractText(resp)
	if text == "" {
		s.metrics.ObserveTutorRequest(op, "empty", 0)
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (s *Service) generateImage(ctx context.Context, op, prompt, aspect string) string {
	config := &genai.GenerateContentConfig{
		ImageConfig: &genai.ImageConfig{AspectRatio: aspect},
	}
	resp, err := s.call(ctx, op, s.models.Image, textContents(prompt), config)
	if err != nil {
		return ""
	}
	for _, part := range firstCandidateParts(resp) {
		if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
			continue
		}
		mime := part.InlineData.MIMEType
		if mime == "" {
			mime = "image/png"
		}
		return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(part.InlineData.Data)
	}
	s.metrics.ObserveTutorRequest(op, "empty", 0)
	return ""
}

func (s *Service) call(ctx context.Context, op, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	if s.gen == nil {
		s.metrics.ObserveTutorRequest(op, "unconfigured", 0)
		return nil, fmt.Errorf("%s: generator not configured", op)
	}
	started := time.Now()
	resp, err := s.gen.GenerateContent(ctx, model, contents, config)
	if err != nil {
		s.metrics.ObserveTutorRequest(op, "error", time.Since(started))
		s.logger.Warn("tutor request failed", "operation", op, "model", model, "error", err)
		return nil, err
	}
	s.metrics.ObserveTutorRequest(op, "ok", time.Since(started))
	return resp, nil
}

func textContents(prompt string) []*genai.Content {
	return []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
}

func imageContents(jpeg []byte, prompt string) []*genai.Content {
	return []*genai.Content{genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromBytes(jpeg, "image/jpeg"),
		genai.NewPartFromText(prompt),
	}, genai.RoleUser)}
}

func arrayOf(items *genai.Schema) *genai.Schema {
	return &genai.Schema{Type: genai.TypeArray, Items: items}
}

func objectSchema(props map[string]*genai.Schema, required ...string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeObject, Properties: props, Required: required}
}

func firstCandidateParts(resp *genai.GenerateContentResponse) []*genai.Part {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return nil
	}
	return resp.Candidates[0].Content.Parts
}

var (
	fenceOpen  = regexp.MustCompile("(?i)^```[a-z]*\n")
	fenceClose = regexp.MustCompile("\n```$")
)

// extractText joins the text parts of the first candidate and unwraps a
// fenced code block.
func extractText(resp *genai.GenerateContentResponse) string {
	var b strings.Builder
	for _, part := range firstCandidateParts(resp) {
		if part != nil && part.Text != "" {
			b.WriteString(part.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if strings.HasPrefix(text, "```") {
		text = fenceOpen.ReplaceAllString(text, "")
		text = fenceClose.ReplaceAllString(text, "")
		text = strings.TrimSpace(text)
	}
	return text
}
