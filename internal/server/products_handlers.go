package server

import (
	"net/http"

	"github.com/identitycore/authgate/internal/auth"
	"github.com/identitycore/authgate/internal/middleware"
)

// Product is an item of the sample protected catalogue.
type Product struct {
	Name  string `json:"name"`
	Price int    `json:"price"`
}

// sampleProducts is the catalogue served by /Products/List.
var sampleProducts = []Product{
	{Name: "Chair", Price: 100},
	{Name: "Desk", Price: 50},
}

// HandleProductList serves the sample catalogue. Mounted behind the MemberDep policy.
func HandleProductList() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, sampleProducts)
	}
}

// HandleProductAdmin is the sample admin resource. Mounted behind the AdminDep policy.
func HandleProductAdmin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var admin string
		if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
			admin = principal.Email
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]any{
			"products": sampleProducts,
			"admin":    admin,
		})
	}
}
