package httpmw

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
)

// RespondError writes err as {"error": message, "code": code} with the
// status its AppError carries. Server errors are logged.
func RespondError(c *gin.Context, log *logger.Logger, msg string, err error) {
	status := apperrors.HTTPStatus(err)
	_ = c.Error(err)
	if status >= 500 {
		log.Error(msg, zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": apperrors.Code(err)})
}
