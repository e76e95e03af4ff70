package server

// Request payloads. Upserts carry ledger-decided snapshots; the mirror never
// re-validates authorization, only shape.

type UpsertCircleRequest struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Owner       string  `json:"owner"`
	MemberCount int64   `json:"member_count,omitempty"`
	TaskCount   int64   `json:"task_count,omitempty"`
	TxRef       *string `json:"tx_ref,omitempty"`
}

type UpsertMemberRequest struct {
	CircleID       int64   `json:"circle_id"`
	Address        string  `json:"address"`
	IsOwner        bool    `json:"is_owner,omitempty"`
	IsActive       *bool   `json:"is_active,omitempty"`
	TasksCompleted int64   `json:"tasks_completed,omitempty"`
	TxRef          *string `json:"tx_ref,omitempty"`
}

type UpsertTaskRequest struct {
	ID          int64   `json:"id"`
	CircleID    int64   `json:"circle_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	AssignedTo  string  `json:"assigned_to"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at,omitempty"`
	Completed   bool    `json:"completed"`
	CompletedBy *string `json:"completed_by,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Priority    int     `json:"priority,omitempty"`
	TxRef       *string `json:"tx_ref,omitempty"`
}

type DevLoginRequest struct {
	Address string `json:"address"`
}

// Responses

type UpsertCircleResponse struct {
	OK bool  `json:"ok"`
	ID int64 `json:"id"`
}

type UpsertMemberResponse struct {
	OK bool `json:"ok"`
}

type UpsertTaskResponse struct {
	OK bool  `json:"ok"`
	ID int64 `json:"id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}
