package resources

type CreateItemResult struct {
	location string
	item     map[string]any
}

func NewCreateItemResult(location string, item map[string]any) *CreateItemResult {
	return &CreateItemResult{location: location, item: item}
}

func (r CreateItemResult) Location() string {
	return r.location
}

func (r CreateItemResult) Item() map[string]any {
	return r.item
}
