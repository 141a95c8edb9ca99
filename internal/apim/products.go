package apim

import (
	"context"
	"net/http"

	"github.com/apimbilling/apimbilling/internal/target"
)

// ListProducts returns the first page of products on the instance.
func (c *Client) ListProducts(ctx context.Context, tgt target.Target) ([]Product, error) {
	var page armList[productContract]
	if _, err := c.send(ctx, tgt, call{
		op:     "ListProducts",
		method: http.MethodGet,
		path:   []string{"products"},
		expect: []int{http.StatusOK},
		out:    &page,
	}); err != nil {
		return nil, err
	}

	out := make([]Product, 0, len(page.Value))
	for _, p := range page.Value {
		out = append(out, p.toProduct())
	}
	return out, nil
}
