package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dkurilenko/ledgershop/internal/config"
	"github.com/dkurilenko/ledgershop/internal/domain/models"
	"github.com/dkurilenko/ledgershop/internal/lib/jwt"
	"github.com/dkurilenko/ledgershop/internal/service/ledger"
	"github.com/dkurilenko/ledgershop/internal/storage"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionCookie = "session"
	sessionTTL    = 24 * time.Hour
	maxUploadSize = 10 << 20
)

type ctxKey string

const ctxUserID ctxKey = "uid"

// Storage covers the user and product stores the handlers need. Ledger
// mutations go through the ledger service, not through this interface.
type Storage interface {
	SaveUser(ctx context.Context, username, email string, passHash []byte) (int, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, userID int) (*models.User, error)
	SetProfilePicture(ctx context.Context, userID int, path string) error
	SaveProduct(ctx context.Context, product *models.Product) (int, error)
	ListProductsByUser(ctx context.Context, userID int) ([]models.Product, error)
}

// Uploader persists uploaded images and returns the stored path.
type Uploader interface {
	Save(filename string, r io.Reader) (string, error)
}

type APIServer struct {
	config  *config.Config
	logger  *slog.Logger
	server  *http.Server
	storage Storage
	ledger  *ledger.Service
	uploads Uploader
}

func New(config *config.Config, logger *slog.Logger, storage Storage, ledgerSvc *ledger.Service, uploads Uploader) *APIServer {
	return &APIServer{
		config: config,
		logger: logger,
		server: &http.Server{
			Addr: config.ApiHost + ":" + strconv.Itoa(config.ApiPort),
		},
		storage: storage,
		ledger:  ledgerSvc,
		uploads: uploads,
	}
}

func (s *APIServer) Start() error {
	s.logger.Info("Starting server", slog.String("port", strconv.Itoa(s.config.ApiPort)))

	s.configureRouter()

	return s.server.ListenAndServe()
}

func (s *APIServer) MustStart() {
	err := s.Start()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic("Failed to start server: " + err.Error())
	}
}

func (s *APIServer) Stop(ctx context.Context) error {
	defer s.logger.Info("Server successfully stopped")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) configureRouter() {
	router := mux.NewRouter()
	router.HandleFunc("/register", s.registerHandler()).Methods("POST")
	router.HandleFunc("/login", s.loginHandler()).Methods("POST")
	router.HandleFunc("/logout", s.logoutHandler()).Methods("GET")
	router.HandleFunc("/dashboard", s.authenticate(s.dashboardHandler())).Methods("GET")
	router.HandleFunc("/ledger", s.authenticate(s.ledgerHandler())).Methods("GET")
	router.HandleFunc("/top-up", s.authenticate(s.topUpHandler())).Methods("POST")
	router.HandleFunc("/buy-product", s.authenticate(s.buyProductHandler())).Methods("POST")
	router.HandleFunc("/add-product", s.authenticate(s.addProductHandler())).Methods("POST")
	router.HandleFunc("/upload-profile", s.authenticate(s.uploadProfileHandler())).Methods("POST")
	router.HandleFunc("/get-products/{user_id}", s.getProductsHandler()).Methods("GET")
	s.server.Handler = router
}

// Router exposes the configured handler for tests.
func (s *APIServer) Router() http.Handler {
	if s.server.Handler == nil {
		s.configureRouter()
	}
	return s.server.Handler
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// authenticate validates the session cookie and puts the verified user id on
// the request context. Handlers never trust a client-supplied user id for
// mutations.
func (s *APIServer) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookie)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Not logged in."})
			return
		}

		claims, err := jwt.ParseToken(cookie.Value, s.config.JwtSecret)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid session."})
			return
		}

		uidClaim, ok := claims["uid"].(float64)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid session."})
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), ctxUserID, int(uidClaim)))
		next(w, r)
	}
}

func userIDFrom(r *http.Request) int {
	uid, _ := r.Context().Value(ctxUserID).(int)
	return uid
}

func (s *APIServer) registerHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid form data."})
			return
		}

		username := r.FormValue("username")
		email := r.FormValue("email")
		password := r.FormValue("password")
		if username == "" || email == "" || password == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "username, email and password are required."})
			return
		}

		passHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			s.logger.Error("Failed to hash password", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Registration failed."})
			return
		}

		id, err := s.storage.SaveUser(r.Context(), username, email, passHash)
		if err != nil {
			if errors.Is(err, storage.ErrEmailTaken) {
				writeJSON(w, http.StatusConflict, map[string]string{"error": "Email already registered."})
				return
			}
			s.logger.Error("Failed to save user", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Registration failed."})
			return
		}

		s.logger.Info("Register new user", slog.String("username", username), slog.Int("user_id", id))

		writeJSON(w, http.StatusOK, map[string]string{"message": "User registered successfully."})
	}
}

func (s *APIServer) loginHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid form data."})
			return
		}

		email := r.FormValue("email")
		password := r.FormValue("password")

		user, err := s.storage.GetUserByEmail(r.Context(), email)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid email or password"})
				return
			}
			s.logger.Error("Failed to get user", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Login failed."})
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid email or password"})
			return
		}

		token, err := jwt.NewToken(user, s.config.JwtSecret, sessionTTL)
		if err != nil {
			s.logger.Error("Failed to issue session token", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Login failed."})
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    token,
			Path:     "/",
			HttpOnly: true,
			Expires:  time.Now().Add(sessionTTL),
		})

		s.logger.Info("User logged in", slog.Int("user_id", user.ID))

		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
	}
}

func (s *APIServer) logoutHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    "",
			Path:     "/",
			HttpOnly: true,
			MaxAge:   -1,
		})
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

func (s *APIServer) dashboardHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := userIDFrom(r)

		user, err := s.storage.GetUserByID(r.Context(), uid)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "User not found."})
				return
			}
			s.logger.Error("Failed to get user", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			return
		}

		products, err := s.storage.ListProductsByUser(r.Context(), uid)
		if err != nil {
			s.logger.Error("Failed to list products", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			return
		}

		balance, transactions, err := s.ledger.GetLedger(r.Context(), uid)
		if err != nil {
			s.logger.Error("Failed to get ledger", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"user":         user,
			"balance":      balance,
			"products":     products,
			"transactions": transactions,
		})
	}
}

func (s *APIServer) ledgerHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := userIDFrom(r)

		balance, transactions, err := s.ledger.GetLedger(r.Context(), uid)
		if err != nil {
			if errors.Is(err, ledger.ErrUserNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "User not found."})
				return
			}
			s.logger.Error("Failed to get ledger", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"balance":      balance,
			"transactions": transactions,
		})
	}
}

func (s *APIServer) topUpHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid form data."})
			return
		}

		amount, err := strconv.Atoi(r.FormValue("amount"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount must be an integer."})
			return
		}

		uid := userIDFrom(r)

		if err := s.ledger.TopUp(r.Context(), uid, amount); err != nil {
			switch {
			case errors.Is(err, ledger.ErrInvalidAmount):
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount must be positive."})
			case errors.Is(err, ledger.ErrUserNotFound):
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "User not found."})
			default:
				s.logger.Error("Failed to top up", "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"message": "Top-up successful."})
	}
}

type buyProductRequest struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    int    `json:"price"`
}

func (s *APIServer) buyProductHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var req buyProductRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body."})
			return
		}

		uid := userIDFrom(r)

		if err := s.ledger.Purchase(r.Context(), uid, req.Quantity, req.Price); err != nil {
			switch {
			case errors.Is(err, ledger.ErrInsufficientFunds):
				writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "Insufficient balance."})
			case errors.Is(err, ledger.ErrInvalidAmount):
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "quantity and price must be positive."})
			case errors.Is(err, ledger.ErrUserNotFound):
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "User not found."})
			default:
				s.logger.Error("Failed to buy product", "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"message": "Product purchased successfully."})
	}
}

func (s *APIServer) addProductHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid multipart form."})
			return
		}

		name := r.FormValue("name")
		quantity, errQ := strconv.Atoi(r.FormValue("quantity"))
		price, errP := strconv.Atoi(r.FormValue("price"))
		if name == "" || errQ != nil || errP != nil || quantity <= 0 || price <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name, positive quantity and positive price are required."})
			return
		}

		uid := userIDFrom(r)

		var imagePath string
		file, header, err := r.FormFile("product_image")
		if err == nil {
			defer func() { _ = file.Close() }()
			imagePath, err = s.uploads.Save(header.Filename, file)
			if err != nil {
				s.logger.Error("Failed to save product image", "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
				return
			}
		}

		product := &models.Product{
			UserID:   uid,
			Name:     name,
			Quantity: quantity,
			Price:    price,
			Image:    imagePath,
		}

		id, err := s.storage.SaveProduct(r.Context(), product)
		if err != nil {
			s.logger.Error("Failed to save product", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			return
		}
		product.ID = id

		products, err := s.storage.ListProductsByUser(r.Context(), uid)
		if err != nil {
			s.logger.Error("Failed to list products", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			return
		}

		s.logger.Info("Product added", slog.Int("user_id", uid), slog.String("name", name))

		writeJSON(w, http.StatusOK, map[string]any{
			"message":  "Product added successfully.",
			"products": products,
		})
	}
}

func (s *APIServer) uploadProfileHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid multipart form."})
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file is required."})
			return
		}
		defer func() { _ = file.Close() }()

		uid := userIDFrom(r)

		path, err := s.uploads.Save(header.Filename, file)
		if err != nil {
			s.logger.Error("Failed to save profile picture", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			return
		}

		if err := s.storage.SetProfilePicture(r.Context(), uid, path); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "User not found."})
				return
			}
			s.logger.Error("Failed to update profile picture", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"message": "Profile picture updated successfully."})
	}
}

func (s *APIServer) getProductsHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		userID, err := strconv.Atoi(vars["user_id"])
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id must be an integer."})
			return
		}

		products, err := s.storage.ListProductsByUser(r.Context(), userID)
		if err != nil {
			s.logger.Error("Failed to list products", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	}
}
