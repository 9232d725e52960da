package schema

// crudEvents binds add/update/remove (and reorder when plural is set) using
// the "<op>-<singular>" naming the clients speak.
func crudEvents(singular, plural string) map[Op]string {
	ev := map[Op]string{
		OpAdd:    "add-" + singular,
		OpUpdate: "update-" + singular,
		OpRemove: "remove-" + singular,
	}
	if plural != "" {
		ev[OpReorder] = "reorder-" + plural
	}
	return ev
}

// Workspace returns the schemas of the collaborative workspace entities.
func Workspace() []Schema {
	messages := crudEvents("message", "")
	messages[OpAdd] = "chat-message"

	return []Schema{
		{Name: "goals", Key: "id", Required: []string{"id", "text"}, OrderField: "order", Events: crudEvents("goal", "goals")},
		{Name: "agents", Key: "id", Required: []string{"id", "name"}, Events: crudEvents("agent", "")},
		{Name: "messages", Key: "id", Required: []string{"id", "text"}, Events: messages},
		{Name: "clips", Key: "id", Required: []string{"id", "content"}, Events: crudEvents("clip", "")},
		{Name: "documents", Key: "id", Required: []string{"id", "name"}, Events: crudEvents("document", "")},
		{Name: "questions", Key: "id", Required: []string{"id", "text"}, OrderField: "order", Events: crudEvents("question", "questions")},
		{Name: "artifacts", Key: "id", Required: []string{"id", "title"}, Events: crudEvents("artifact", "")},
		{Name: "transcripts", Key: "id", Required: []string{"id", "text"}, Events: crudEvents("transcript", "")},
	}
}

// Default returns a registry of the workspace schemas.
func Default() *Registry {
	r, err := NewRegistry(Workspace()...)
	if err != nil {
		panic("workspace schemas: " + err.Error())
	}
	return r
}
