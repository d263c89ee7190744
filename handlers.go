package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// respond maps store errors onto the API's status codes. A failed write
// still returns the result: the in-memory state already holds it.
func respond(c *gin.Context, status int, v any, err error) {
	switch {
	case err == nil, errors.Is(err, ErrPersistenceWriteFailed):
		if v == nil {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(status, v)
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrQuizSetNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "quiz set not found"})
	case errors.Is(err, ErrQuestionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "question not found"})
	case errors.Is(err, ErrAssignmentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "assignment not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db"})
	}
}

/*** Quiz sets ***/

type QuizSetDTO struct {
	QuizSet
	QuestionCount int `json:"questionCount"`
}

func ListQuizSets(st *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sets := st.QuizSets()
		out := make([]QuizSetDTO, 0, len(sets))
		for _, qs := range sets {
			out = append(out, QuizSetDTO{QuizSet: qs, QuestionCount: len(st.QuestionsForQuizSet(qs.ID))})
		}
		c.JSON(http.StatusOK, out)
	}
}

func CreateQuizSet(st *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req QuizSetInput
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
			return
		}
		qs, err := st.AddQuizSet(c.Request.Context(), req)
		respond(c, http.StatusCreated, qs, err)
	}
}

func UpdateQuizSet(st *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req QuizSetInput
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
			return
		}
		qs, err := st.UpdateQuizSet(c.Request.Context(), c.Param("id"), req)
		respond(c, http.StatusOK, qs, err)
	}
}

func DeleteQuizSet(st *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		respond(c, http.StatusNoContent, nil, st.DeleteQuizSet(c.Request.Context(), c.Param("id")))
	}
}

/*** Questions ***/

func ListQuestions(st *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if _, ok := st.QuizSet(id); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "quiz set not found"})
			return
		}
		c.JSON(http.StatusOK, st.QuestionsForQuizSet(id))
	}
}

func CreateQuestion(st *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req QuestionInput
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
			return
		}
		req.QuizSetID = c.Param("id")
		q, err := st.AddQuestion(c.Request.Context(), req)
		respond(c, http.StatusCreated, q, err)
	}
}

func UpdateQuestion(st *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req QuestionInput
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
			return
		}
		q, err := st.UpdateQuestion(c.Request.Context(), c.Param("id"), req)
		respond(c, http.StatusOK, q, err)
	}
}

func DeleteQuestion(st *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		respond(c, http.StatusNoContent, nil, st.DeleteQuestion(c.Request.Context(), c.Param("id")))
	}
}

/*** App assignments ***/

type AssignmentDTO struct {
	AppAssignment
	QuizSetName string `json:"quizSetName,omitempty"`
	ShortcutURL string `json:"shortcutUrl"`
}

func ListAppAssignments(st *Store, gateBaseURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		as := st.AppAssignments()
		out := make([]AssignmentDTO, 0, len(as))
		for _, a := range as {
			dto := AssignmentDTO{AppAssignment: a, ShortcutURL: shortcutURL(gateBaseURL, a.AppName)}
			if qs, ok := st.QuizSet(a.QuizSetID); ok {
				dto.QuizSetName = qs.Name
			}
			out = append(out, dto)
		}
		c.JSON(http.StatusOK, out)
	}
}

func CreateAppAssignment(st *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AssignmentInput
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
			return
		}
		a, err := st.AddAppAssignment(c.Request.Context(), req)
		respond(c, http.StatusCreated, a, err)
	}
}

func UpdateAppAssignment(st *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AssignmentPatch
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
			return
		}
		a, err := st.UpdateAppAssignment(c.Request.Context(), c.Param("id"), req)
		respond(c, http.StatusOK, a, err)
	}
}

func DeleteAppAssignment(st *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		respond(c, http.StatusNoContent, nil, st.DeleteAppAssignment(c.Request.Context(), c.Param("id")))
	}
}

// GET /api/v1/apps/:id/shortcut-url
func ShortcutURL(st *Store, gateBaseURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, ok := st.AppAssignment(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "assignment not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"appName":        a.AppName,
			"url":            shortcutURL(gateBaseURL, a.AppName),
			"setupCompleted": a.SetupCompleted,
		})
	}
}
