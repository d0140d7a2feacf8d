package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/gregtusar/brokerd/pkg/models"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

type GCPSecretManager struct {
	client    *secretmanager.Client
	access    func(ctx context.Context, name string) ([]byte, error)
	projectID string
	logger    *logrus.Logger
}

// NewGCPSecretManager connects with application default credentials, or with
// the service account key at credentialsFile when it is set.
func NewGCPSecretManager(ctx context.Context, projectID, credentialsFile string, logger *logrus.Logger) (*GCPSecretManager, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}

	g := &GCPSecretManager{
		client:    client,
		projectID: projectID,
		logger:    logger,
	}
	g.access = func(ctx context.Context, name string) ([]byte, error) {
		result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
		if err != nil {
			return nil, err
		}
		return result.Payload.Data, nil
	}
	return g, nil
}

func (g *GCPSecretManager) GetSecret(ctx context.Context, secretName string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, secretName)
	data, err := g.access(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", secretName, err)
	}
	return string(data), nil
}

func (g *GCPSecretManager) GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string {
	value, err := g.GetSecret(ctx, secretName)
	if err != nil {
		g.logger.WithError(err).WithField("secret", secretName).Debug("Failed to get secret, using default")
		return defaultValue
	}
	return strings.TrimSpace(value)
}

func (g *GCPSecretManager) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

// SecretNames are the per-account secret name suffixes. The secret for
// account "primary" and suffix "api-key" is "<prefix>-primary-api-key".
type SecretNames struct {
	Prefix      string `mapstructure:"prefix"`
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	AccessToken string `mapstructure:"access_token"`
	PrivateKey  string `mapstructure:"private_key"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		Prefix:      "brokerd",
		APIKey:      "api-key",
		APISecret:   "api-secret",
		AccessToken: "access-token",
		PrivateKey:  "private-key",
	}
}

func (n SecretNames) name(account, suffix string) string {
	return fmt.Sprintf("%s-%s-%s", n.Prefix, strings.ToLower(account), suffix)
}

// FillAccount loads the credentials an account is missing. Values already
// present, from the config file or the environment, win.
func (g *GCPSecretManager) FillAccount(ctx context.Context, names SecretNames, account *models.Account) {
	fill := func(field *string, suffix string) {
		if *field == "" {
			*field = g.GetSecretWithDefault(ctx, names.name(account.Name, suffix), "")
		}
	}
	fill(&account.APIKey, names.APIKey)
	fill(&account.APISecret, names.APISecret)
	fill(&account.AccessToken, names.AccessToken)
	if account.AuthType == "jwt" {
		fill(&account.PrivateKeyPEM, names.PrivateKey)
	}
}
