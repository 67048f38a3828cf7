package nats

// DefaultSubjectPrefix 客户端 Subject 前缀
// 完整格式: {prefix}.{user_id}.events / {prefix}.{user_id}.commands
const DefaultSubjectPrefix = "im.client"

const (
	subjectEventsSuffix   = ".events"
	subjectCommandsSuffix = ".commands"
)

// BuildEventsSubject 构建聊天变更事件 Subject
func BuildEventsSubject(prefix, userID string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + userID + subjectEventsSuffix
}

// BuildCommandsSubject 构建外部命令 Subject
func BuildCommandsSubject(prefix, userID string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + userID + subjectCommandsSuffix
}
