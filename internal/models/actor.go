package models

// Actor is the authenticated identity attached to a connection.
// Supplied by the upstream auth collaborator at connect time; never stored.
type Actor struct {
	ID           string `json:"id" validate:"required"`
	DisplayName  string `json:"display_name"`
	DepartmentID string `json:"department_id,omitempty"`
	AvatarRef    string `json:"avatar_ref,omitempty"`
}

// Position is an optional semantic location on the board: a grid cell
// (row/column) or a form field reference.
type Position struct {
	RowID    string `json:"row_id,omitempty"`
	ColumnID string `json:"column_id,omitempty"`
	FieldID  string `json:"field_id,omitempty"`
}
