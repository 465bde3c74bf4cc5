package prompt

import "github.com/MrWong99/hoa/internal/chatlog"

// DefaultInstruction is the built-in direction picker: the assistant reads
// what the user asked for and answers with exactly one of 上, 下, 右, 左, 奥
// or 手前.
const DefaultInstruction = "以下は会話の書き起こしで、ユーザはHoaというAIアシスタントと会話しています。" +
	"Hoaはユーザのリクエストを正確に解釈して、最終的には次の選択肢のどれか１つを回答します。" +
	"それ以外の回答はしません。選択肢は「上」、「下」、「右」、「左」、「奥」、「手前」です。"

// DefaultChoices are the answers [DefaultInstruction] allows.
var DefaultChoices = []string{"上", "下", "右", "左", "奥", "手前"}

// DefaultExamples returns the ten few-shot pairs that go with
// [DefaultInstruction]. Each call returns a fresh slice.
func DefaultExamples() []Example {
	pairs := [][2]string{
		{"あげて", "上"},
		{"さげて", "下"},
		{"向こうへ", "奥"},
		{"こちらに持ってきて", "手前"},
		{"右側へ移動", "右"},
		{"左へ移動", "左"},
		{"アップ", "上"},
		{"ダウン", "下"},
		{"高いところ", "上"},
		{"低い所", "下"},
	}
	out := make([]Example, 0, 2*len(pairs))
	for _, p := range pairs {
		out = append(out,
			Example{Role: chatlog.RoleUser, Text: p[0]},
			Example{Role: chatlog.RoleAI, Text: p[1]},
		)
	}
	return out
}
