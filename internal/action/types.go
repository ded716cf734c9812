package action

// ContentTypeJSON requestBody 中文本输入所在的内容类型
const ContentTypeJSON = "application/json"

// ResponseContentType 响应体的内容类型键，与调用方约定一致
const ResponseContentType = "application-json"

// Apology 无法处理时返回给会话层的固定文本
const Apology = "Sorry I am unable to help you with that. Please try rephrase your questions"

type Agent struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	Alias   string `json:"alias"`
	Version string `json:"version"`
}

type Parameter struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

type MediaContent struct {
	Properties []Parameter `json:"properties"`
}

type RequestBody struct {
	Content map[string]MediaContent `json:"content"`
}

// Request 会话代理发来的 action 调用
type Request struct {
	MessageVersion          string            `json:"messageVersion"`
	Agent                   Agent             `json:"agent"`
	InputText               string            `json:"inputText"`
	SessionID               string            `json:"sessionId"`
	ActionGroup             string            `json:"actionGroup"`
	APIPath                 string            `json:"apiPath" validate:"required"`
	HTTPMethod              string            `json:"httpMethod"`
	Parameters              []Parameter       `json:"parameters"`
	RequestBody             *RequestBody      `json:"requestBody,omitempty"`
	SessionAttributes       map[string]string `json:"sessionAttributes"`
	PromptSessionAttributes map[string]string `json:"promptSessionAttributes"`
}

type BodyContent struct {
	Body string `json:"body"`
}

type ResponseDetail struct {
	ActionGroup             string                 `json:"actionGroup"`
	APIPath                 string                 `json:"apiPath"`
	HTTPMethod              string                 `json:"httpMethod"`
	HTTPStatusCode          int                    `json:"httpStatusCode"`
	ResponseBody            map[string]BodyContent `json:"responseBody"`
	SessionAttributes       map[string]string      `json:"sessionAttributes,omitempty"`
	PromptSessionAttributes map[string]string      `json:"promptSessionAttributes,omitempty"`
}

// Response action 调用结果
type Response struct {
	MessageVersion string         `json:"messageVersion"`
	Response       ResponseDetail `json:"response"`
}

// Body 取出响应文本
func (r *Response) Body() string {
	return r.Response.ResponseBody[ResponseContentType].Body
}

func newResponse(req *Request, status int, body string) *Response {
	return &Response{
		MessageVersion: req.MessageVersion,
		Response: ResponseDetail{
			ActionGroup:             req.ActionGroup,
			APIPath:                 req.APIPath,
			HTTPMethod:              req.HTTPMethod,
			HTTPStatusCode:          status,
			ResponseBody:            map[string]BodyContent{ResponseContentType: {Body: body}},
			SessionAttributes:       req.SessionAttributes,
			PromptSessionAttributes: req.PromptSessionAttributes,
		},
	}
}
