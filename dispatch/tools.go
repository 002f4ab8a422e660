package dispatch

func stringProperty(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func uriProperty(description string) map[string]any {
	return map[string]any{"type": "string", "format": "uri", "description": description}
}

func idProperty(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

var toolDefinitions = []Tool{
	{
		Name:        ToolAddPage,
		Description: "Add a new nlweb page to the database",
		InputSchema: objectSchema(map[string]any{
			"url":         uriProperty("URL of the nlweb page"),
			"title":       stringProperty("Title of the page"),
			"description": stringProperty("Optional description of the page"),
			"tags":        stringProperty("Optional comma-separated tags"),
		}, "url", "title"),
	},
	{
		Name:        ToolUpdatePage,
		Description: "Update an existing nlweb page",
		InputSchema: objectSchema(map[string]any{
			"id":          idProperty("ID of the page to update"),
			"url":         uriProperty("New URL"),
			"title":       stringProperty("New title"),
			"description": stringProperty("New description"),
			"tags":        stringProperty("New tags"),
			"status": map[string]any{
				"type":        "string",
				"enum":        []string{"active", "inactive", "error"},
				"description": "Page status",
			},
		}, "id"),
	},
	{
		Name:        ToolGetPage,
		Description: "Get a specific nlweb page by ID",
		InputSchema: objectSchema(map[string]any{
			"id": idProperty("ID of the page to retrieve"),
		}, "id"),
	},
	{
		Name:        ToolListPages,
		Description: "List all nlweb pages",
		InputSchema: objectSchema(map[string]any{}),
	},
	{
		Name:        ToolSearchPages,
		Description: "Search nlweb pages by title, description, tags, or URL",
		InputSchema: objectSchema(map[string]any{
			"query": stringProperty("Search query"),
		}, "query"),
	},
	{
		Name:        ToolDeletePage,
		Description: "Delete a nlweb page by ID",
		InputSchema: objectSchema(map[string]any{
			"id": idProperty("ID of the page to delete"),
		}, "id"),
	},
	{
		Name:        ToolAskPage,
		Description: "Ask a nlweb page a question",
		InputSchema: objectSchema(map[string]any{
			"url":   uriProperty("URL of the nlweb page to ask"),
			"query": stringProperty("Question to ask"),
			"prev":  stringProperty("Previous queries in the conversation"),
			"mode": map[string]any{
				"type":        "string",
				"enum":        []string{"summarize", "generate"},
				"description": "Answer mode",
			},
		}, "url", "query"),
	},
}
