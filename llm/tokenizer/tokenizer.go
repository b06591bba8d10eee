package tokenizer

import "go.uber.org/zap"

// Tokenizer 统一的 token 计数接口
type Tokenizer interface {
	// CountTokens 返回文本的 token 数
	CountTokens(text string) (int, error)

	// CountMessages 返回消息列表的总 token 数，包含每条消息的角色开销
	CountMessages(messages []Message) (int, error)

	// Name 返回分词器名称
	Name() string
}

// Message 轻量消息结构，避免与 llm 包循环依赖
type Message struct {
	Role    string
	Content string
}

// fallback 先用主分词器计数，失败时退回估算器
type fallback struct {
	primary   Tokenizer
	secondary Tokenizer
	logger    *zap.Logger
}

// ForModel 返回模型对应的分词器。
// tiktoken 首次使用需要加载编码表，加载失败（如离线环境）时自动退回字符估算。
func ForModel(model string, logger *zap.Logger) Tokenizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &fallback{
		primary:   NewTiktokenTokenizer(model),
		secondary: NewEstimatorTokenizer(),
		logger:    logger.With(zap.String("component", "tokenizer")),
	}
}

func (f *fallback) CountTokens(text string) (int, error) {
	n, err := f.primary.CountTokens(text)
	if err != nil {
		f.logger.Debug("tiktoken unavailable, using estimator", zap.Error(err))
		return f.secondary.CountTokens(text)
	}
	return n, nil
}

func (f *fallback) CountMessages(messages []Message) (int, error) {
	n, err := f.primary.CountMessages(messages)
	if err != nil {
		f.logger.Debug("tiktoken unavailable, using estimator", zap.Error(err))
		return f.secondary.CountMessages(messages)
	}
	return n, nil
}

func (f *fallback) Name() string {
	return f.primary.Name()
}
