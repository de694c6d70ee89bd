package llm

import "context"

// Request 描述一次发送给大模型的调用。
type Request struct {
	AgentID  string
	Prompt   string
	Tools    []ToolCard
	Messages []Message
}

// Response 是大模型返回的文本。
type Response struct {
	Text string
}

// ToolCard 向大模型介绍一个可付费调用的工具。
type ToolCard struct {
	Name        string
	Description string
	Cost        string
}

// Message 是代理收件箱中尚未处理的消息。
type Message struct {
	From string
	Body string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
