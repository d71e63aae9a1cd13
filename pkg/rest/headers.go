package rest

// Argument names shared between transports and the storage service.
// Transports lower-case header names when building the args map, so these
// constants are the canonical lookup keys on both sides.
const (
	// HeaderContentType is the blob's media type, stored with the blob and
	// echoed on download.
	HeaderContentType = "content-type"
	// HeaderContentLength is the client-declared body size, validated
	// during Prepare.
	HeaderContentLength = "content-length"
	// HeaderServiceID names the uploading service.
	HeaderServiceID = "x-blobfront-service-id"
	// HeaderOwnerID names the owner recorded in the blob properties.
	HeaderOwnerID = "x-blobfront-owner-id"
	// HeaderChecksum is an optional client-declared hex digest of the body.
	// Uploads fail when the computed digest does not match.
	HeaderChecksum = "x-blobfront-checksum"
	// HeaderBlobID carries the blob id on upload and download responses.
	HeaderBlobID = "x-blobfront-blob-id"
	// HeaderDigest is the hex digest computed over an uploaded body.
	HeaderDigest = "x-blobfront-digest"
	// HeaderDigestAlgo names the algorithm behind HeaderDigest.
	HeaderDigestAlgo = "x-blobfront-digest-algorithm"
	// HeaderCreationTime is the blob's creation time on download responses.
	HeaderCreationTime = "x-blobfront-creation-time"
	// HeaderRequestID is the per-request correlation id. Transports echo a
	// caller-supplied value and assign one otherwise.
	HeaderRequestID = "x-blobfront-request-id"

	// ArgBlobID is the args key transports use for the blob id extracted
	// from the request path.
	ArgBlobID = "blob_id"
)
