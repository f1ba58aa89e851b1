// internal/model/iot.go
// Package model defines the data structures used throughout the IoT registry service.
// These structures represent devices, data streams, access grants, owner statistics and
// the global marketplace parameters.
package model

// Principal identifies an owner, subscriber or platform account.
type Principal string

// DeviceStatus is the lifecycle state of a device. Only DeviceStatusActive is assigned
// by the registry; the other values are reserved for a future transition function.
type DeviceStatus string

const (
	DeviceStatusActive         DeviceStatus = "active"
	DeviceStatusInactive       DeviceStatus = "inactive"
	DeviceStatusDecommissioned DeviceStatus = "decommissioned"
)

// AccessTypeRead is the only access type issued today.
const AccessTypeRead = "read"

// Device represents a registered IoT device.
// This corresponds to the devices table in storage.
type Device struct {
	ID              string       `json:"deviceId" db:"device_id"`                // Caller-supplied unique identifier
	Owner           Principal    `json:"owner" db:"owner"`                       // Registering principal, immutable
	Name            string       `json:"name" db:"name"`                         // Human-readable name
	DeviceType      string       `json:"deviceType" db:"device_type"`            // e.g. "Climate Control"
	Manufacturer    string       `json:"manufacturer" db:"manufacturer"`         // Manufacturer name
	FirmwareVersion string       `json:"firmwareVersion" db:"firmware_version"`  // Firmware version string
	Location        *string      `json:"location,omitempty" db:"location"`       // Optional location
	Status          DeviceStatus `json:"status" db:"status"`                     // Lifecycle status
	Verified        bool         `json:"verified" db:"verified"`                 // Set by the verification authority
	RegisteredAt    uint64       `json:"registeredAt" db:"registered_at"`        // Ledger height at registration
}

// Stream represents a priced data stream produced by a device.
// This corresponds to the streams table in storage.
type Stream struct {
	ID                   string `json:"streamId" db:"stream_id"`                          // Caller-supplied unique identifier
	DeviceID             string `json:"deviceId" db:"device_id"`                          // Owning device
	StreamType           string `json:"streamType" db:"stream_type"`                      // e.g. "Temperature"
	Description          string `json:"description" db:"description"`                     // Free-form description
	DataFormat           string `json:"dataFormat" db:"data_format"`                      // e.g. "JSON"
	UpdateFrequency      uint64 `json:"updateFrequency" db:"update_frequency"`            // Updates per reference period
	PricePerAccess       uint64 `json:"pricePerAccess" db:"price_per_access"`             // Price per reference period
	RequiresVerification bool   `json:"requiresVerification" db:"requires_verification"` // Gate access on the verification policy
	Active               bool   `json:"active" db:"active"`                               // Accepting access requests
	AccessCount          uint64 `json:"accessCount" db:"access_count"`                    // Monotonic count of granted requests
}

// AccessGrant records that a subscriber paid for time-bounded read access to a stream.
// Keyed by (Subscriber, StreamID); a new grant overwrites the previous one.
type AccessGrant struct {
	Subscriber    Principal `json:"subscriber" db:"subscriber"`        // Paying principal
	StreamID      string    `json:"streamId" db:"stream_id"`           // Stream the grant covers
	GrantedBy     Principal `json:"grantedBy" db:"granted_by"`         // Device owner at grant time
	AccessType    string    `json:"accessType" db:"access_type"`       // Always "read"
	PaymentStatus bool      `json:"paymentStatus" db:"payment_status"` // True once payment cleared
	GrantedAt     uint64    `json:"grantedAt" db:"granted_at"`         // Ledger height at issuance
	Expiry        uint64    `json:"expiry" db:"expiry"`                // GrantedAt + duration
	Fee           Fee       `json:"fee" db:"-"`                        // Fee split that was paid
	ReceiptID     string    `json:"receiptId" db:"receipt_id"`         // Ledger payment receipt
}

// ActiveAt reports whether the grant is still valid at the given height.
func (g AccessGrant) ActiveAt(height uint64) bool {
	return g.PaymentStatus && height < g.Expiry
}

// OwnerStats aggregates statistics per device owner.
// This corresponds to the owner_stats table in storage.
type OwnerStats struct {
	Principal       Principal `json:"principal" db:"principal"`              // Owner
	Devices         []string  `json:"devices" db:"devices"`                  // Owned device ids, insertion order
	TotalStreams    uint64    `json:"totalStreams" db:"total_streams"`       // Streams across all owned devices
	ReputationScore uint64    `json:"reputationScore" db:"reputation_score"` // Bounded reputation counter
}

// GlobalParams holds the process-wide marketplace configuration.
type GlobalParams struct {
	ContractOwner      Principal `json:"contractOwner" db:"contract_owner"`            // Admin and platform fee recipient
	PlatformFeeRateBPS uint64    `json:"platformFeeRateBps" db:"platform_fee_rate_bps"` // Platform fee in basis points
	MinAccessPrice     uint64    `json:"minAccessPrice" db:"min_access_price"`         // Floor for stream prices
}

// Fee is the result of a fee calculation.
type Fee struct {
	BaseFee     uint64 `json:"baseFee"`     // Credited to the device owner
	PlatformFee uint64 `json:"platformFee"` // Credited to the platform account
	TotalFee    uint64 `json:"totalFee"`    // Debited from the subscriber
}

// Snapshot is a point-in-time copy of every table.
type Snapshot struct {
	Height  uint64        `json:"height"`
	Params  GlobalParams  `json:"params"`
	Devices []Device      `json:"devices"`
	Streams []Stream      `json:"streams"`
	Grants  []AccessGrant `json:"grants"`
	Owners  []OwnerStats  `json:"owners"`
}

// RegisterDeviceRequest represents the request body for registering a device.
type RegisterDeviceRequest struct {
	DeviceID        string  `json:"deviceId"`           // Unique device identifier
	Name            string  `json:"name"`               // Device name
	DeviceType      string  `json:"deviceType"`         // Device type
	Manufacturer    string  `json:"manufacturer"`       // Manufacturer
	FirmwareVersion string  `json:"firmwareVersion"`    // Firmware version
	Location        *string `json:"location,omitempty"` // Optional location
}

// RegisterStreamRequest represents the request body for registering a data stream.
type RegisterStreamRequest struct {
	StreamID             string `json:"streamId"`
	DeviceID             string `json:"deviceId"`
	StreamType           string `json:"streamType"`
	Description          string `json:"description"`
	DataFormat           string `json:"dataFormat"`
	UpdateFrequency      uint64 `json:"updateFrequency"`
	PricePerAccess       uint64 `json:"pricePerAccess"`
	RequiresVerification bool   `json:"requiresVerification"`
}

// AccessRequest represents the request body for requesting stream access.
type AccessRequest struct {
	Duration uint64 `json:"duration"` // Requested duration in ledger heights
}

// UpdatePlatformFeeRequest represents the request body for changing the fee rate.
type UpdatePlatformFeeRequest struct {
	RateBPS uint64 `json:"rateBps"`
}

// UpdateMinAccessPriceRequest represents the request body for changing the minimum price.
type UpdateMinAccessPriceRequest struct {
	Price uint64 `json:"price"`
}

// FundAccountRequest represents the request body for crediting a ledger deposit.
type FundAccountRequest struct {
	Principal Principal `json:"principal"` // Account to credit
	Amount    uint64    `json:"amount"`
}

// AccountBalance is a principal's ledger balance.
type AccountBalance struct {
	Principal Principal `json:"principal"`
	Balance   uint64    `json:"balance"`
}

// GrantView is the read model returned for access grant lookups.
type GrantView struct {
	AccessGrant
	CurrentHeight uint64 `json:"currentHeight"` // Height the Active flag was evaluated at
	Active        bool   `json:"active"`        // Expiry compared against CurrentHeight
}

// SnapshotExport describes an uploaded snapshot.
type SnapshotExport struct {
	Key         string `json:"key"`         // Object key in the archive bucket
	DownloadURL string `json:"downloadUrl"` // Presigned download URL
	Height      uint64 `json:"height"`      // Height the snapshot was taken at
}
