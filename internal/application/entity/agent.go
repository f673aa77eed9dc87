package entity

type AgentType string

const (
	AgentSystem    AgentType = "system"
	AgentUser      AgentType = "user"
	AgentAnonymous AgentType = "anonymous"
)

// Agent - кто инициировал команду. Ядро его не интерпретирует, только сохраняет.
type Agent struct {
	Type AgentType `json:"type"`
	ID   string    `json:"id"`
}

func SystemAgent(id string) Agent { return Agent{Type: AgentSystem, ID: id} }

func UserAgent(id string) Agent { return Agent{Type: AgentUser, ID: id} }

func AnonymousAgent() Agent { return Agent{Type: AgentAnonymous} }
