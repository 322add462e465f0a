package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecr/types"

	"github.com/apolo-platform/platform-registry-api/internal/cache"
	"github.com/apolo-platform/platform-registry-api/internal/registry"
)

// ECR authorization is account wide, a single cache entry serves every
// scope.
const ecrTokenCacheKey = "*"

// ErrRepositoryNotFound reports an operation on an upstream repository
// that does not exist.
var ErrRepositoryNotFound = errors.New("repository not found")

var (
	errInvalidTokenPayload = errors.New("invalid payload")
	errTokenExpired        = errors.New("already expired")
)

// ECRAPI is the subset of the Amazon ECR API used by the registry.
// Implemented by *ecr.Client.
type ECRAPI interface {
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
	CreateRepository(ctx context.Context, params *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
	DeleteRepository(ctx context.Context, params *ecr.DeleteRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.DeleteRepositoryOutput, error)
	BatchDeleteImage(ctx context.Context, params *ecr.BatchDeleteImageInput, optFns ...func(*ecr.Options)) (*ecr.BatchDeleteImageOutput, error)
	ListImages(ctx context.Context, params *ecr.ListImagesInput, optFns ...func(*ecr.Options)) (*ecr.ListImagesOutput, error)
}

var _ ECRAPI = (*ecr.Client)(nil)

// AWSECRAuthToken is a registry authorization token issued by ECR. The
// token is already base64(user:password), ready for a Basic header.
type AWSECRAuthToken struct {
	Token     string
	ExpiresAt time.Time
}

// NewAWSECRAuthToken validates a GetAuthorizationToken result. The
// advertised lifetime is scaled by the expiration ratio so the token is
// refreshed before ECR rejects it.
func NewAWSECRAuthToken(out *ecr.GetAuthorizationTokenOutput, now func() time.Time) (AWSECRAuthToken, error) {
	if out == nil || len(out.AuthorizationData) != 1 {
		return AWSECRAuthToken{}, errInvalidTokenPayload
	}
	data := out.AuthorizationData[0]
	if aws.ToString(data.AuthorizationToken) == "" || data.ExpiresAt == nil {
		return AWSECRAuthToken{}, errInvalidTokenPayload
	}

	issuedAt := now()
	expiresAt := issuedAt.Add(time.Duration(float64(data.ExpiresAt.Sub(issuedAt)) * tokenExpirationRatio))
	if !issuedAt.Before(expiresAt) {
		return AWSECRAuthToken{}, errTokenExpired
	}
	return AWSECRAuthToken{
		Token:     aws.ToString(data.AuthorizationToken),
		ExpiresAt: expiresAt,
	}, nil
}

// ECR authenticates against and manages an AWS Elastic Container
// Registry upstream. It is an AuthStrategy and also carries the
// management calls for flows the registry HTTP API does not cover on
// ECR, such as manifest deletion.
type ECR struct {
	api   ECRAPI
	cache *cache.Expiring[http.Header]
	now   func() time.Time
}

var (
	_ AuthStrategy = (*ECR)(nil)
	_ RepoCreator  = (*ECR)(nil)
)

// NewECR creates the ECR strategy and management surface on top of api.
func NewECR(api ECRAPI) *ECR {
	return &ECR{
		api:   api,
		cache: cache.NewExpiring[http.Header](),
		now:   time.Now,
	}
}

func (e *ECR) headers(ctx context.Context) (http.Header, error) {
	if h, ok := e.cache.Get(ecrTokenCacheKey); ok {
		return h.Clone(), nil
	}
	out, err := e.api.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization token: %w", err)
	}
	token, err := NewAWSECRAuthToken(out, e.now)
	if err != nil {
		return nil, fmt.Errorf("failed to parse authorization token: %w", err)
	}
	h := make(http.Header)
	h.Set("Authorization", "Basic "+token.Token)
	e.cache.Put(ecrTokenCacheKey, h, token.ExpiresAt)
	return h.Clone(), nil
}

func (e *ECR) HeadersForVersionCheck(ctx context.Context) (http.Header, error) {
	return e.headers(ctx)
}

func (e *ECR) HeadersForCatalog(ctx context.Context) (http.Header, error) {
	return e.headers(ctx)
}

func (e *ECR) HeadersForRepo(ctx context.Context, _, _ string) (http.Header, error) {
	return e.headers(ctx)
}

// CreateRepo creates the repository unless it already exists.
func (e *ECR) CreateRepo(ctx context.Context, repo string) error {
	_, err := e.api.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: aws.String(repo),
	})
	var exists *types.RepositoryAlreadyExistsException
	if errors.As(err, &exists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create repository %q: %w", repo, err)
	}
	return nil
}

// DeleteRepo deletes the repository if it holds no more images.
func (e *ECR) DeleteRepo(ctx context.Context, repo string) error {
	_, err := e.api.DeleteRepository(ctx, &ecr.DeleteRepositoryInput{
		RepositoryName: aws.String(repo),
	})
	var notEmpty *types.RepositoryNotEmptyException
	if errors.As(err, &notEmpty) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete repository %q: %w", repo, err)
	}
	return nil
}

// ListImageTags returns one page of the repository's tags. A non-empty
// returned token continues the listing on the next call.
func (e *ECR) ListImageTags(ctx context.Context, repo, nextToken string) ([]string, string, error) {
	input := &ecr.ListImagesInput{
		RepositoryName: aws.String(repo),
		Filter:         &types.ListImagesFilter{TagStatus: types.TagStatusTagged},
	}
	if nextToken != "" {
		input.NextToken = aws.String(nextToken)
	}
	out, err := e.api.ListImages(ctx, input)
	var notFound *types.RepositoryNotFoundException
	if errors.As(err, &notFound) {
		return nil, "", fmt.Errorf("repository %q: %w", repo, ErrRepositoryNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to list images in %q: %w", repo, err)
	}

	tags := make([]string, 0, len(out.ImageIds))
	for _, id := range out.ImageIds {
		if id.ImageTag != nil {
			tags = append(tags, *id.ImageTag)
		}
	}
	return tags, aws.ToString(out.NextToken), nil
}

// DeleteImageResult is the Docker Registry v2 response produced for an
// ECR image deletion. A nil Body means an empty response body.
type DeleteImageResult struct {
	StatusCode int
	Body       *registry.Errors
}

// DeleteImage deletes an image by tag or digest and cleans the
// repository up when it became empty. The ECR result is converted into
// a Docker Registry v2 response.
func (e *ECR) DeleteImage(ctx context.Context, repo, ref string) (DeleteImageResult, error) {
	imageID := types.ImageIdentifier{}
	if strings.Contains(ref, ":") {
		imageID.ImageDigest = aws.String(ref)
	} else {
		imageID.ImageTag = aws.String(ref)
	}

	out, err := e.api.BatchDeleteImage(ctx, &ecr.BatchDeleteImageInput{
		RepositoryName: aws.String(repo),
		ImageIds:       []types.ImageIdentifier{imageID},
	})
	var notFound *types.RepositoryNotFoundException
	if errors.As(err, &notFound) {
		return DeleteImageResult{
			StatusCode: http.StatusNotFound,
			Body:       repoNotFoundErrors(notFound.ErrorMessage()),
		}, nil
	}
	if err != nil {
		return DeleteImageResult{}, fmt.Errorf("failed to delete image %q in repository %q: %w", ref, repo, err)
	}

	if err := e.DeleteRepo(ctx, repo); err != nil {
		return DeleteImageResult{}, err
	}
	return convertBatchDeleteResult(out), nil
}

func convertBatchDeleteResult(out *ecr.BatchDeleteImageOutput) DeleteImageResult {
	if out == nil || len(out.Failures) == 0 {
		return DeleteImageResult{StatusCode: http.StatusAccepted}
	}

	failure := out.Failures[0]
	reason := aws.ToString(failure.FailureReason)
	switch string(failure.FailureCode) {
	case "ImageNotFound":
		return DeleteImageResult{
			StatusCode: http.StatusNotFound,
			Body: &registry.Errors{Errors: []registry.Error{{
				Code:    registry.ErrorCodeNameInvalid,
				Message: "Invalid image name",
				Detail:  reason,
			}}},
		}
	case "RepositoryNotFound":
		return DeleteImageResult{
			StatusCode: http.StatusNotFound,
			Body:       repoNotFoundErrors(reason),
		}
	default:
		return DeleteImageResult{
			StatusCode: http.StatusInternalServerError,
			Body: &registry.Errors{Errors: []registry.Error{{
				Code:    "0",
				Message: string(failure.FailureCode),
				Detail:  reason,
			}}},
		}
	}
}

func repoNotFoundErrors(detail string) *registry.Errors {
	return &registry.Errors{Errors: []registry.Error{{
		Code:    registry.ErrorCodeNameUnknown,
		Message: "Repository name not known to registry",
		Detail:  detail,
	}}}
}
