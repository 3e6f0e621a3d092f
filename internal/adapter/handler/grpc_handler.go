package handler

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/kitchen-stock/internal/core/domain"
)

const adminService = "stock.v1.InventoryAdmin"

type ThresholdRPCRequest struct {
	IngredientID string          `json:"ingredient_id"`
	MinThreshold decimal.Decimal `json:"min_threshold"`
}

type IngredientRPCRequest struct {
	IngredientID string `json:"ingredient_id"`
}

type AddStockRPCRequest struct {
	Ingredient   string          `json:"ingredient"`
	Quantity     decimal.Decimal `json:"quantity"`
	SourceLineID string          `json:"source_line_id,omitempty"`
}

type ReceiptRPCRequest struct {
	ReceiptID string `json:"receipt_id"`
}

type Empty struct{}

type InventoryResponse struct {
	Inventory *domain.Inventory `json:"inventory"`
}

type LowStockResponse struct {
	Items []domain.StockLevel `json:"items"`
}

type ReceiptResponse struct {
	Receipt *domain.Receipt `json:"receipt"`
}

// InventoryAdminServer is the admin surface used by back-office tools.
type InventoryAdminServer interface {
	UpdateThreshold(ctx context.Context, req *ThresholdRPCRequest) (*InventoryResponse, error)
	ClearThreshold(ctx context.Context, req *IngredientRPCRequest) (*InventoryResponse, error)
	RetireIngredient(ctx context.Context, req *IngredientRPCRequest) (*Empty, error)
	LowStock(ctx context.Context, req *Empty) (*LowStockResponse, error)
	AddStock(ctx context.Context, req *AddStockRPCRequest) (*InventoryResponse, error)
	ReceiptStatus(ctx context.Context, req *ReceiptRPCRequest) (*ReceiptResponse, error)
}

type GRPCHandler struct {
	svc Services
	log *slog.Logger
}

func NewGRPCHandler(svc Services, logger *slog.Logger) *GRPCHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCHandler{svc: svc, log: logger.With("component", "grpc")}
}

// Register installs the admin service on s.
func (h *GRPCHandler) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&InventoryAdminDesc, h)
}

func (h *GRPCHandler) UpdateThreshold(ctx context.Context, req *ThresholdRPCRequest) (*InventoryResponse, error) {
	inv, err := h.svc.Ledger.UpdateThreshold(ctx, req.IngredientID, req.MinThreshold)
	if err != nil {
		return nil, h.status(ctx, "UpdateThreshold", err)
	}
	return &InventoryResponse{Inventory: inv}, nil
}

func (h *GRPCHandler) ClearThreshold(ctx context.Context, req *IngredientRPCRequest) (*InventoryResponse, error) {
	inv, err := h.svc.Ledger.ClearThreshold(ctx, req.IngredientID)
	if err != nil {
		return nil, h.status(ctx, "ClearThreshold", err)
	}
	return &InventoryResponse{Inventory: inv}, nil
}

func (h *GRPCHandler) RetireIngredient(ctx context.Context, req *IngredientRPCRequest) (*Empty, error) {
	if err := h.svc.Ledger.RetireIngredient(ctx, req.IngredientID); err != nil {
		return nil, h.status(ctx, "RetireIngredient", err)
	}
	return &Empty{}, nil
}

func (h *GRPCHandler) LowStock(ctx context.Context, _ *Empty) (*LowStockResponse, error) {
	levels, err := h.svc.Ledger.LowStock(ctx)
	if err != nil {
		return nil, h.status(ctx, "LowStock", err)
	}
	if levels == nil {
		levels = []domain.StockLevel{}
	}
	return &LowStockResponse{Items: levels}, nil
}

func (h *GRPCHandler) AddStock(ctx context.Context, req *AddStockRPCRequest) (*InventoryResponse, error) {
	inv, err := h.svc.Ledger.AddStock(ctx, req.Ingredient, req.Quantity, req.SourceLineID)
	if err != nil {
		return nil, h.status(ctx, "AddStock", err)
	}
	return &InventoryResponse{Inventory: inv}, nil
}

func (h *GRPCHandler) ReceiptStatus(ctx context.Context, req *ReceiptRPCRequest) (*ReceiptResponse, error) {
	r, err := h.svc.Receipts.Get(ctx, req.ReceiptID)
	if err != nil {
		return nil, h.status(ctx, "ReceiptStatus", err)
	}
	return &ReceiptResponse{Receipt: r}, nil
}

func (h *GRPCHandler) status(ctx context.Context, method string, err error) error {
	_, code := classify(err)
	if code == codes.Internal {
		h.log.ErrorContext(ctx, "rpc failed", "method", method, "error", err)
	}
	return status.Error(code, message(err))
}

// InventoryAdminDesc is written by hand in place of protoc output; the
// messages travel through the JSON codec.
var InventoryAdminDesc = grpc.ServiceDesc{
	ServiceName: adminService,
	HandlerType: (*InventoryAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("UpdateThreshold", InventoryAdminServer.UpdateThreshold),
		unary("ClearThreshold", InventoryAdminServer.ClearThreshold),
		unary("RetireIngredient", InventoryAdminServer.RetireIngredient),
		unary("LowStock", InventoryAdminServer.LowStock),
		unary("AddStock", InventoryAdminServer.AddStock),
		unary("ReceiptStatus", InventoryAdminServer.ReceiptStatus),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stock/v1/inventory_admin.proto",
}

func unary[Req, Resp any](method string, call func(InventoryAdminServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(InventoryAdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + adminService + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(InventoryAdminServer), ctx, req.(*Req))
			})
		},
	}
}

// AdminClient calls InventoryAdmin over an existing connection.
type AdminClient struct {
	cc grpc.ClientConnInterface
}

func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

func (c *AdminClient) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, "/"+adminService+"/"+method, in, out, grpc.CallContentSubtype(codecName))
}

func (c *AdminClient) UpdateThreshold(ctx context.Context, ingredientID string, threshold decimal.Decimal) (*domain.Inventory, error) {
	var out InventoryResponse
	err := c.invoke(ctx, "UpdateThreshold", &ThresholdRPCRequest{IngredientID: ingredientID, MinThreshold: threshold}, &out)
	return out.Inventory, err
}

func (c *AdminClient) ClearThreshold(ctx context.Context, ingredientID string) (*domain.Inventory, error) {
	var out InventoryResponse
	err := c.invoke(ctx, "ClearThreshold", &IngredientRPCRequest{IngredientID: ingredientID}, &out)
	return out.Inventory, err
}

func (c *AdminClient) RetireIngredient(ctx context.Context, ingredientID string) error {
	return c.invoke(ctx, "RetireIngredient", &IngredientRPCRequest{IngredientID: ingredientID}, &Empty{})
}

func (c *AdminClient) LowStock(ctx context.Context) ([]domain.StockLevel, error) {
	var out LowStockResponse
	err := c.invoke(ctx, "LowStock", &Empty{}, &out)
	return out.Items, err
}

func (c *AdminClient) AddStock(ctx context.Context, ingredient string, qty decimal.Decimal, sourceLineID string) (*domain.Inventory, error) {
	var out InventoryResponse
	err := c.invoke(ctx, "AddStock", &AddStockRPCRequest{Ingredient: ingredient, Quantity: qty, SourceLineID: sourceLineID}, &out)
	return out.Inventory, err
}

func (c *AdminClient) ReceiptStatus(ctx context.Context, receiptID string) (*domain.Receipt, error) {
	var out ReceiptResponse
	err := c.invoke(ctx, "ReceiptStatus", &ReceiptRPCRequest{ReceiptID: receiptID}, &out)
	return out.Receipt, err
}
